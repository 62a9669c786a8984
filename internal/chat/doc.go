// Package chat talks to a registered OPAgent, either through the ORA HTTP API
// or by sending a payable singleChat transaction and waiting for the
// OPAgentChatResponse event.
package chat
