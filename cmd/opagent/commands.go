package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"OPAgent-Chain/internal/chat"
	"OPAgent-Chain/internal/checkpoint"
	"OPAgent-Chain/internal/config"
	"OPAgent-Chain/internal/events"
	"OPAgent-Chain/internal/provision"
	"OPAgent-Chain/internal/web3/artifact"
	"OPAgent-Chain/internal/web3/opagent"
)

const exitPartial = 2

func deployCommand() *cli.Command {
	return &cli.Command{
		Name:  "deploy",
		Usage: "deploy the library and agent, verify the source and register the agent",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "fail-on-partial",
				Usage: "exit with status 2 when verification or registration is still outstanding",
			},
		},
		Action: func(c *cli.Context) error {
			ctx := c.Context
			rt, err := newRuntime(ctx, c)
			if err != nil {
				return err
			}
			defer rt.Close()

			seed, err := rt.seed()
			if err != nil {
				return err
			}
			client, def, err := rt.dialChain(ctx)
			if err != nil {
				return err
			}
			pub, err := rt.publisher(ctx)
			if err != nil {
				return err
			}
			deployer := opagent.NewDeployer(client, artifact.NewLoader(rt.cfg.Artifacts.Dir), rt.cfg.Artifacts.Library)

			runID := uuid.NewString()
			timing := rt.cfg.Timing
			opts := []provision.Option{
				provision.WithSeed(seed),
				provision.WithEmitter(events.NewEmitter(runID, pub)),
				provision.WithOwner(runID),
				provision.WithDelays(provision.Delays{
					PostDeploy:   timing.PostDeployDelay(),
					VerifySettle: timing.VerifySettle(),
					PreRegister:  timing.PreRegisterDelay(),
					RegisterWait: timing.RegisterWait(),
				}),
			}
			verifier, err := rt.verifier(ctx, client, def)
			if err != nil {
				return err
			}
			if verifier != nil {
				opts = append(opts, provision.WithVerifier(verifier,
					provision.ArtifactRequests(deployer, rt.cfg.Artifacts.SourcePrefix)))
			}

			fmt.Fprintf(c.App.Writer, "run %s on network %s\n", runID, rt.cfg.Network.Name)
			report, err := provision.New(rt.store, provision.ChainDeployer(deployer), opts...).Run(ctx)
			if report != nil {
				printReport(c.App.Writer, report)
			}
			if err != nil {
				return err
			}
			if report.Status() == provision.StatusPartial && c.Bool("fail-on-partial") {
				return cli.Exit(fmt.Sprintf("部署未全部完成: %v", report.Err()), exitPartial)
			}
			return nil
		},
	}
}

func chatCommand() *cli.Command {
	return &cli.Command{
		Name:      "chat",
		Usage:     "chat with the registered agent through the ORA API",
		ArgsUsage: "<prompt> [registerHash] [contractAddress]",
		Action: func(c *cli.Context) error {
			ctx := c.Context
			prompt := strings.TrimSpace(c.Args().Get(0))
			if prompt == "" {
				return cli.Exit("请提供提示词", 1)
			}
			rt, err := newRuntime(ctx, c)
			if err != nil {
				return err
			}
			defer rt.Close()

			req := chat.Request{Prompt: prompt}
			rawHash, rawAddr := c.Args().Get(1), c.Args().Get(2)
			if rawHash == "" || rawAddr == "" {
				rec, err := rt.store.Load(ctx)
				if err != nil {
					return err
				}
				if rawHash == "" {
					rawHash = rec.RegisterHash.String()
				}
				if rawAddr == "" {
					rawAddr = rec.OPAgentContract.String()
				}
			}
			if !common.IsHexAddress(rawAddr) {
				return cli.Exit(fmt.Sprintf("非法的合约地址: %q", rawAddr), 1)
			}
			req.RegisterHash = common.HexToHash(rawHash)
			req.ContractAddress = common.HexToAddress(rawAddr)

			client, err := chat.NewOffchainClient(chat.OffchainConfig{
				APIKey:  config.Secret(rt.cfg.Chat.APIKey, rt.cfg.Chat.APIKeyEnv),
				BaseURL: rt.cfg.Chat.APIURL,
				Model:   rt.cfg.Chat.Model,
				Timeout: rt.cfg.Chat.Timeout(),
			})
			if err != nil {
				return err
			}
			reply, err := client.Send(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "messages: %s\n", reply)
			return nil
		},
	}
}

func onchainChatCommand() *cli.Command {
	return &cli.Command{
		Name:  "onchain-chat",
		Usage: "send a singleChat transaction and wait for the agent's response (prompt from $PROMPT)",
		Action: func(c *cli.Context) error {
			ctx := c.Context
			rt, err := newRuntime(ctx, c)
			if err != nil {
				return err
			}
			defer rt.Close()

			rec, err := rt.store.Load(ctx)
			if err != nil {
				return err
			}
			addr, ok := rec.OPAgentContract.Get()
			if !ok {
				return cli.Exit("检查点中没有 OPAgent 合约地址，请先执行 deploy", 1)
			}
			client, _, err := rt.dialChain(ctx)
			if err != nil {
				return err
			}
			deployer := opagent.NewDeployer(client, artifact.NewLoader(rt.cfg.Artifacts.Dir), rt.cfg.Artifacts.Library)
			agent, err := deployer.Bind(rec.ContractName, addr)
			if err != nil {
				return err
			}

			prompt := strings.TrimSpace(os.Getenv("PROMPT"))
			if prompt == "" {
				prompt = "hello"
			}
			gasLimit := rt.cfg.Chat.OnchainGasLimit
			fmt.Fprintf(c.App.Writer, "calling singleChat with prompt %q, gasLimit %d\n", prompt, gasLimit)
			result, err := chat.NewOnchainChat(agent, gasLimit, rt.cfg.Chat.OnchainTimeout()).Send(ctx, prompt)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "transaction confirmed: %s\n", result.TxHash.Hex())
			if !result.Responded() {
				return cli.Exit(fmt.Sprintf("%v: %s 内没有收到回复", result.Err(), rt.cfg.Chat.OnchainTimeout()), 1)
			}
			fmt.Fprintf(c.App.Writer, "received chat response - request id: %s, message: %q\n",
				result.Response.RequestID, result.Response.Message)
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "print the provisioning checkpoint",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print the raw checkpoint document"},
		},
		Action: func(c *cli.Context) error {
			rt, err := newRuntime(c.Context, c)
			if err != nil {
				return err
			}
			defer rt.Close()

			rec, err := rt.store.Load(c.Context)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				encoded, err := json.MarshalIndent(rec, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(c.App.Writer, string(encoded))
				return nil
			}
			printRecord(c.App.Writer, rec)
			return nil
		},
	}
}

func printReport(w io.Writer, report *provision.Report) {
	printRecord(w, report.Record)
	if report.VerifyErr != nil {
		fmt.Fprintf(w, "verification failed: %v\n", report.VerifyErr)
	}
	switch report.Registration.Outcome {
	case provision.OutcomePending:
		fmt.Fprintf(w, "registration pending: tx %s confirmed, registerHash not yet set\n",
			report.Registration.RegisterTx.Hex())
	case provision.OutcomeNotRun:
	default:
		fmt.Fprintf(w, "registration: %s\n", report.Registration.Outcome)
	}
	fmt.Fprintf(w, "status: %s\n", report.Status())
}

func printRecord(w io.Writer, rec checkpoint.Record) {
	fmt.Fprintf(w, "contract:         %s\n", rec.ContractName)
	fmt.Fprintf(w, "utils library:    %s\n", orUnset(rec.UtilsLibAddr.String()))
	fmt.Fprintf(w, "opAgent contract: %s\n", orUnset(rec.OPAgentContract.String()))
	fmt.Fprintf(w, "verified:         %t\n", rec.IsVerified)
	fmt.Fprintf(w, "registered:       %t\n", rec.HasRegistered)
	fmt.Fprintf(w, "registerHash:     %s\n", orUnset(rec.RegisterHash.String()))
}

func orUnset(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

func secondsDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
