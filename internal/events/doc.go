// Package events broadcasts provisioning step transitions to the audit log and
// to optional external sinks such as RabbitMQ queues, Redis streams and MySQL.
package events
