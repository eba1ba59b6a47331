package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/guardian-recovery-vault/api"
	"github.com/ruteri/guardian-recovery-vault/api/clients"
	"github.com/ruteri/guardian-recovery-vault/cmd/flags"
	"github.com/ruteri/guardian-recovery-vault/cryptoutils"
	"github.com/ruteri/guardian-recovery-vault/fragments"
)

var flagAdminPrivkey *cli.StringFlag = &cli.StringFlag{
	Name:  "admin-privkey-file",
	Value: "admin-private.pem",
	Usage: "Path to admin private key",
}
var flagAdminPubkey *cli.StringFlag = &cli.StringFlag{
	Name:  "admin-pubkey-file",
	Value: "admin-public.pem",
	Usage: "Path to admin public key",
}
var flagAdminKeys *cli.StringFlag = &cli.StringFlag{
	Name:  "admin-keys-file",
	Value: "admins.json",
	Usage: "Path to the admin keys file the server loads",
}
var flagVaultID *cli.StringFlag = &cli.StringFlag{
	Name:     "vault",
	Required: true,
	Usage:    "Vault ID",
}
var flagRequestID *cli.StringFlag = &cli.StringFlag{
	Name:     "request",
	Required: true,
	Usage:    "Recovery request ID",
}

var signedFlags = []cli.Flag{flags.ServerURLFlag, flagAdminPrivkey, flagAdminPubkey}

// adminKeysFile mirrors the format read by httpserver.LoadAdminKeys.
type adminKeysFile struct {
	Admins []adminEntry `json:"admins"`
}

type adminEntry struct {
	ID     string `json:"id"`
	PubKey string `json:"pubkey"`
}

// adminClient loads the admin key pair. The admin ID is the fingerprint of
// the public key, as written by generate-config.
func adminClient(cCtx *cli.Context) (*clients.AdminClient, error) {
	publicKeyPEM, err := os.ReadFile(cCtx.String(flagAdminPubkey.Name))
	if err != nil {
		return nil, err
	}
	privateKeyPEM, err := os.ReadFile(cCtx.String(flagAdminPrivkey.Name))
	if err != nil {
		return nil, err
	}
	privateKey, err := cryptoutils.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return clients.NewAdminClient(cCtx.String(flags.ServerURLFlag.Name), cryptoutils.Fingerprint(publicKeyPEM), privateKey), nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	app := &cli.App{
		Name:  "vault-admin",
		Usage: "Operate a guardian recovery vault server through its admin API",
		Commands: []*cli.Command{
			{
				Name:  "generate-admin",
				Usage: "Generate an admin key pair",
				Flags: []cli.Flag{
					flagAdminPrivkey,
					flagAdminPubkey,
				},
				Action: func(cCtx *cli.Context) error {
					privateKeyPEM, publicKeyPEM, err := cryptoutils.GenerateKeyPair()
					if err != nil {
						return err
					}
					if err := os.WriteFile(cCtx.String(flagAdminPrivkey.Name), privateKeyPEM, 0600); err != nil {
						return err
					}
					return os.WriteFile(cCtx.String(flagAdminPubkey.Name), publicKeyPEM, 0600)
				},
			},
			{
				Name:  "generate-config",
				Usage: "Write the server's admin keys file from admin public keys",
				Flags: []cli.Flag{
					flagAdminKeys,
					&cli.StringSliceFlag{
						Name:     "admin-pubkey-files",
						Required: true,
					},
				},
				Action: func(cCtx *cli.Context) error {
					config := adminKeysFile{}
					for _, pubkey := range cCtx.StringSlice("admin-pubkey-files") {
						publicKeyPEM, err := os.ReadFile(pubkey)
						if err != nil {
							return err
						}
						if _, err := cryptoutils.ParsePublicKey(publicKeyPEM); err != nil {
							return fmt.Errorf("%s: %w", pubkey, err)
						}
						config.Admins = append(config.Admins, adminEntry{
							ID:     cryptoutils.Fingerprint(publicKeyPEM),
							PubKey: string(publicKeyPEM),
						})
					}

					configBytes, err := json.MarshalIndent(config, "", "  ")
					if err != nil {
						return err
					}
					return os.WriteFile(cCtx.String(flagAdminKeys.Name), configBytes, 0600)
				},
			},
			{
				Name:  "evaluate",
				Usage: "Run an evaluation pass over every vault",
				Flags: signedFlags,
				Action: func(cCtx *cli.Context) error {
					client, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					summary, err := client.EvaluateAll(context.Background())
					if err != nil {
						return err
					}
					return printJSON(summary)
				},
			},
			{
				Name:  "get",
				Usage: "Show a vault",
				Flags: append(signedFlags, flagVaultID),
				Action: func(cCtx *cli.Context) error {
					client, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					rec, err := client.GetVault(context.Background(), cCtx.String(flagVaultID.Name))
					if err != nil {
						return err
					}
					return printJSON(rec)
				},
			},
			{
				Name:  "open-recovery",
				Usage: "Open a recovery request for a triggered vault with no open request",
				Flags: append(signedFlags, flagVaultID),
				Action: func(cCtx *cli.Context) error {
					client, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					req, err := client.OpenRecovery(context.Background(), cCtx.String(flagVaultID.Name))
					if err != nil {
						return err
					}
					return printJSON(req)
				},
			},
			{
				Name:  "reset-dispute",
				Usage: "Cancel a disputed request so that recovery can start over",
				Flags: append(signedFlags, flagVaultID),
				Action: func(cCtx *cli.Context) error {
					client, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					rec, err := client.ResetDispute(context.Background(), cCtx.String(flagVaultID.Name))
					if err != nil {
						return err
					}
					return printJSON(rec)
				},
			},
			{
				Name:  "execute",
				Usage: "Complete an approved request after its dispute window",
				Flags: append(signedFlags, flagVaultID, flagRequestID),
				Action: func(cCtx *cli.Context) error {
					client, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					req, err := client.Execute(context.Background(), cCtx.String(flagVaultID.Name), cCtx.String(flagRequestID.Name))
					if err != nil {
						return err
					}
					return printJSON(req)
				},
			},
			{
				Name:  "reconstruct",
				Usage: "Reconstruct a vault secret from share files written by the guardian tool",
				Flags: append(signedFlags, flagVaultID, &cli.StringSliceFlag{
					Name:     "share-files",
					Required: true,
				}),
				Action: func(cCtx *cli.Context) error {
					client, err := adminClient(cCtx)
					if err != nil {
						return err
					}

					var shares []fragments.Share
					defer func() { fragments.WipeShares(shares) }()
					for _, path := range cCtx.StringSlice("share-files") {
						raw, err := os.ReadFile(path)
						if err != nil {
							return err
						}
						var s api.ShareSubmission
						if err := json.Unmarshal(raw, &s); err != nil {
							return fmt.Errorf("%s: %w", path, err)
						}
						shares = append(shares, fragments.Share{FragmentID: s.FragmentID, GuardianID: s.GuardianID, Data: s.Share})
					}

					release, err := client.Reconstruct(context.Background(), cCtx.String(flagVaultID.Name), shares)
					if err != nil {
						return err
					}
					return printJSON(release)
				},
			},
			{
				Name:  "mark-claimed",
				Usage: "Record that a beneficiary received their allocation",
				Flags: append(signedFlags, flagVaultID, &cli.StringFlag{
					Name:     "beneficiary",
					Required: true,
				}),
				Action: func(cCtx *cli.Context) error {
					client, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					rec, err := client.MarkClaimed(context.Background(), cCtx.String(flagVaultID.Name), cCtx.String("beneficiary"))
					if err != nil {
						return err
					}
					return printJSON(rec)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
