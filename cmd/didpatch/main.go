package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/did-doc-patch/go-didpatch"

	"github.com/urfave/cli/v3"
)

const cliUserAgent = "go-didpatch/didpatch"

func main() {
	app := cli.Command{
		Name:  "didpatch",
		Usage: "CLI client tool for patch registry operations",
	}
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "registry-host",
			Usage:   "method, hostname, and port of patch registry",
			Value:   "http://localhost:8080",
			Sources: cli.EnvVars("REGISTRY_HOST"),
		},
	}
	app.Commands = []*cli.Command{
		{
			Name:      "resolve",
			Usage:     "resolve a DID document from the registry",
			ArgsUsage: "<did>",
			Action:    runResolve,
		},
		{
			Name:      "log",
			Usage:     "fetch the entry log for a single DID",
			ArgsUsage: "<did>",
			Action:    runLog,
		},
		{
			Name:      "verify",
			Usage:     "fetch the entry log for a DID and verify every entry",
			ArgsUsage: "<did>",
			Action:    runVerify,
		},
		{
			Name:      "create",
			Usage:     "build and sign a genesis entry from a document payload (reads JSON from stdin)",
			ArgsUsage: "<did>",
			Action:    runCreate,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "private-key",
					Usage:   "private key used to sign the entry (multibase syntax)",
					Sources: cli.EnvVars("DIDPATCH_PRIVATE_KEY"),
				},
				&cli.StringSliceFlag{
					Name:  "update-key",
					Usage: "did:key allowed to sign future entries; may repeat. Defaults to the signing key",
				},
			},
		},
		{
			Name:      "submit",
			Usage:     "submit an entry to the registry (reads JSON from stdin)",
			ArgsUsage: "[did]",
			Action:    runSubmit,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "private-key",
					Usage:   "private key used to sign the entry, if it is not signed (multibase syntax)",
					Sources: cli.EnvVars("DIDPATCH_PRIVATE_KEY"),
				},
			},
		},
		{
			Name:   "keygen",
			Usage:  "generate a fresh private key, printed to stdout as a multibase string",
			Action: runKeyGen,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "type",
					Usage: "key type; one of 'K-256' or 'P-256'",
					Value: "K-256",
				},
			},
		},
		{
			Name:   "derive-pubkey",
			Usage:  "derive a public key and print to stdout in did:key format",
			Action: runDerivePubkey,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "private-key",
					Usage:   "private key used as input (multibase syntax)",
					Sources: cli.EnvVars("DIDPATCH_PRIVATE_KEY"),
				},
			},
		},
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(h))
	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Println("Error:", err)
		os.Exit(-1)
	}
}

func newClient(cmd *cli.Command) *didpatch.Client {
	return &didpatch.Client{
		RegistryURL: cmd.String("registry-host"),
		UserAgent:   cliUserAgent,
	}
}

func argDID(cmd *cli.Command) (string, error) {
	s := cmd.Args().First()
	if s == "" {
		return "", fmt.Errorf("need to provide DID as an argument")
	}
	did, err := syntax.ParseDID(s)
	if err != nil {
		return "", err
	}
	return did.String(), nil
}

func printJSON(v any) error {
	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(jsonBytes))
	return nil
}

func runResolve(ctx context.Context, cmd *cli.Command) error {
	did, err := argDID(cmd)
	if err != nil {
		return err
	}

	doc, err := newClient(cmd).Resolve(ctx, did)
	if err != nil {
		return err
	}
	return printJSON(doc)
}

func fetchLog(ctx context.Context, cmd *cli.Command) ([]didpatch.LogEntry, error) {
	did, err := argDID(cmd)
	if err != nil {
		return nil, err
	}
	return newClient(cmd).PatchLog(ctx, did)
}

func runLog(ctx context.Context, cmd *cli.Command) error {
	entries, err := fetchLog(ctx, cmd)
	if err != nil {
		return err
	}
	return printJSON(entries)
}

func runVerify(ctx context.Context, cmd *cli.Command) error {
	entries, err := fetchLog(ctx, cmd)
	if err != nil {
		return err
	}

	doc, err := didpatch.VerifyEntryLog(entries)
	if err != nil {
		return err
	}

	if err := printJSON(doc); err != nil {
		return err
	}
	fmt.Println("valid")
	return nil
}

func runCreate(ctx context.Context, cmd *cli.Command) error {
	did, err := argDID(cmd)
	if err != nil {
		return err
	}

	privStr := cmd.String("private-key")
	if privStr == "" {
		return fmt.Errorf("private key is required")
	}
	priv, err := atcrypto.ParsePrivateMultibase(privStr)
	if err != nil {
		return err
	}

	inBytes, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	var pdoc didpatch.PatchDocument
	if err := json.Unmarshal(inBytes, &pdoc); err != nil {
		return err
	}

	b := didpatch.NewBuilder(didpatch.ActionReplace)
	if err := b.Document(&pdoc); err != nil {
		return err
	}
	patch, err := b.Build()
	if err != nil {
		return err
	}

	updateKeys := cmd.StringSlice("update-key")
	if len(updateKeys) == 0 {
		pub, err := priv.PublicKey()
		if err != nil {
			return err
		}
		updateKeys = []string{pub.DIDKey()}
	}

	entry := &didpatch.Entry{
		DID:        did,
		Patches:    []didpatch.Patch{patch},
		UpdateKeys: updateKeys,
	}
	if err := entry.Sign(priv); err != nil {
		return err
	}

	return printJSON(entry)
}

func runSubmit(ctx context.Context, cmd *cli.Command) error {
	c := newClient(cmd)

	inBytes, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	var entry didpatch.Entry
	if err := json.Unmarshal(inBytes, &entry); err != nil {
		return err
	}

	didString := entry.DID
	if s := cmd.Args().First(); s != "" {
		// round-trip through the parser to make sure it's well-formed
		parsed, err := syntax.ParseDID(s)
		if err != nil {
			return err
		}
		didString = parsed.String()
		if entry.DID != didString {
			return fmt.Errorf("entry DID %s does not match argument %s", entry.DID, didString)
		}
	}

	if !entry.IsSigned() {
		privStr := cmd.String("private-key")
		if privStr == "" {
			return fmt.Errorf("entry is not signed and no private key provided")
		}
		priv, err := atcrypto.ParsePrivateMultibase(privStr)
		if err != nil {
			return err
		}
		if err := entry.Sign(priv); err != nil {
			return err
		}
	}

	if err := c.Submit(ctx, didString, &entry); err != nil {
		return err
	}

	fmt.Printf("Successfully submitted entry: %s/%s\n", c.RegistryURL, didString)
	return nil
}

func runKeyGen(ctx context.Context, cmd *cli.Command) error {
	t := cmd.String("type")
	switch t {
	case "K-256", "K256", "k256":
		privkey, err := atcrypto.GeneratePrivateKeyK256()
		if err != nil {
			return err
		}
		fmt.Println(privkey.Multibase())
	case "P-256", "P256", "p256":
		privkey, err := atcrypto.GeneratePrivateKeyP256()
		if err != nil {
			return err
		}
		fmt.Println(privkey.Multibase())
	default:
		return fmt.Errorf("unknown key type: %s", t)
	}
	return nil
}

func runDerivePubkey(ctx context.Context, cmd *cli.Command) error {
	privStr := cmd.String("private-key")
	if privStr == "" {
		return fmt.Errorf("private key is required")
	}
	privkey, err := atcrypto.ParsePrivateMultibase(privStr)
	if err != nil {
		return err
	}

	pubkey, err := privkey.PublicKey()
	if err != nil {
		return err
	}

	fmt.Println(pubkey.DIDKey())

	return nil
}
