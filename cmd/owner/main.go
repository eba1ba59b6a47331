package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/urfave/cli/v2"

	"github.com/ruteri/guardian-recovery-vault/api/clients"
	"github.com/ruteri/guardian-recovery-vault/cmd/flags"
	"github.com/ruteri/guardian-recovery-vault/interfaces"
)

var flagPrivateKey *cli.StringFlag = &cli.StringFlag{
	Name:     "privkey",
	Required: true,
	EnvVars:  []string{"OWNER_PRIVKEY"},
	Usage:    "Hex-encoded secp256k1 wallet key of the vault owner",
}
var flagVaultID *cli.StringFlag = &cli.StringFlag{
	Name:     "vault",
	Required: true,
	Usage:    "Vault ID",
}

func ownerClient(cCtx *cli.Context) (*clients.OwnerClient, error) {
	privateKey, err := crypto.HexToECDSA(cCtx.String(flagPrivateKey.Name))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	address := crypto.PubkeyToAddress(privateKey.PublicKey).Hex()
	return clients.NewOwnerClient(cCtx.String(flags.ServerURLFlag.Name), privateKey, address), nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// vaultCommand builds a command that acts on one vault as its owner.
func vaultCommand(name, usage string, extra []cli.Flag, run func(ctx context.Context, c *clients.OwnerClient, cCtx *cli.Context, vaultID string) (any, error)) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: append([]cli.Flag{flagVaultID}, extra...),
		Action: func(cCtx *cli.Context) error {
			client, err := ownerClient(cCtx)
			if err != nil {
				return err
			}
			out, err := run(cCtx.Context, client, cCtx, cCtx.String(flagVaultID.Name))
			if err != nil {
				return err
			}
			if out == nil {
				return nil
			}
			return printJSON(out)
		},
	}
}

func main() {
	app := &cli.App{
		Name:  "vault-owner",
		Usage: "Manage a guardian recovery vault as its owner",
		Flags: []cli.Flag{
			flags.ServerURLFlag,
			flagPrivateKey,
		},
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create a vault",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "checkin-interval-days", Value: 30},
					&cli.IntFlag{Name: "grace-period-days", Value: 7},
					&cli.IntFlag{Name: "threshold", Value: 2},
					&cli.IntFlag{Name: "total-guardians", Value: 3},
					&cli.StringFlag{Name: "distribution", Value: string(interfaces.DistributionManual), Usage: "manual or automatic"},
				},
				Action: func(cCtx *cli.Context) error {
					client, err := ownerClient(cCtx)
					if err != nil {
						return err
					}
					rec, err := client.CreateVault(cCtx.Context, interfaces.VaultParams{
						CheckInIntervalDays: cCtx.Int("checkin-interval-days"),
						GracePeriodDays:     cCtx.Int("grace-period-days"),
						Threshold:           cCtx.Int("threshold"),
						TotalGuardians:      cCtx.Int("total-guardians"),
						DistributionMethod:  interfaces.DistributionMethod(cCtx.String("distribution")),
					})
					if err != nil {
						return err
					}
					return printJSON(rec)
				},
			},
			vaultCommand("get", "Show a vault", nil, func(ctx context.Context, c *clients.OwnerClient, _ *cli.Context, id string) (any, error) {
				return c.GetVault(ctx, id)
			}),
			vaultCommand("checkin", "Prove liveness and reset the check-in clock", nil, func(ctx context.Context, c *clients.OwnerClient, _ *cli.Context, id string) (any, error) {
				return c.CheckIn(ctx, id)
			}),
			vaultCommand("cancel", "Cancel an in-flight recovery", nil, func(ctx context.Context, c *clients.OwnerClient, _ *cli.Context, id string) (any, error) {
				return c.CancelVault(ctx, id)
			}),
			vaultCommand("quorum", "Change the guardian threshold and total",
				[]cli.Flag{
					&cli.IntFlag{Name: "threshold", Required: true},
					&cli.IntFlag{Name: "total-guardians", Required: true},
				},
				func(ctx context.Context, c *clients.OwnerClient, cCtx *cli.Context, id string) (any, error) {
					return c.UpdateQuorum(ctx, id, cCtx.Int("threshold"), cCtx.Int("total-guardians"))
				}),
			vaultCommand("invite", "Invite a guardian and print the one-time token",
				[]cli.Flag{&cli.StringFlag{Name: "contact", Required: true}},
				func(ctx context.Context, c *clients.OwnerClient, cCtx *cli.Context, id string) (any, error) {
					return c.Invite(ctx, id, cCtx.String("contact"))
				}),
			vaultCommand("revoke", "Revoke a guardian",
				[]cli.Flag{&cli.StringFlag{Name: "guardian", Required: true}},
				func(ctx context.Context, c *clients.OwnerClient, cCtx *cli.Context, id string) (any, error) {
					return c.Revoke(ctx, id, cCtx.String("guardian"))
				}),
			vaultCommand("add-beneficiary", "Add a beneficiary",
				[]cli.Flag{
					&cli.StringFlag{Name: "contact", Required: true},
					&cli.IntFlag{Name: "allocation-bps", Value: 10000, Usage: "allocation in basis points"},
				},
				func(ctx context.Context, c *clients.OwnerClient, cCtx *cli.Context, id string) (any, error) {
					return c.AddBeneficiary(ctx, id, cCtx.String("contact"), cCtx.Int("allocation-bps"))
				}),
			vaultCommand("verify-beneficiary", "Mark a beneficiary as verified",
				[]cli.Flag{&cli.StringFlag{Name: "beneficiary", Required: true}},
				func(ctx context.Context, c *clients.OwnerClient, cCtx *cli.Context, id string) (any, error) {
					return c.VerifyBeneficiary(ctx, id, cCtx.String("beneficiary"))
				}),
			vaultCommand("remove-beneficiary", "Remove a beneficiary",
				[]cli.Flag{&cli.StringFlag{Name: "beneficiary", Required: true}},
				func(ctx context.Context, c *clients.OwnerClient, cCtx *cli.Context, id string) (any, error) {
					return nil, c.RemoveBeneficiary(ctx, id, cCtx.String("beneficiary"))
				}),
			vaultCommand("create-fragments", "Issue the fragment set once every guardian has accepted", nil, func(ctx context.Context, c *clients.OwnerClient, _ *cli.Context, id string) (any, error) {
				return c.CreateFragments(ctx, id)
			}),
			vaultCommand("rotate", "Rotate the vault secret and reissue fragments", nil, func(ctx context.Context, c *clients.OwnerClient, _ *cli.Context, id string) (any, error) {
				return c.RotateSecret(ctx, id)
			}),
			vaultCommand("watch", "Check in periodically until interrupted",
				[]cli.Flag{&cli.DurationFlag{Name: "every", Value: 24 * time.Hour}},
				func(ctx context.Context, c *clients.OwnerClient, cCtx *cli.Context, id string) (any, error) {
					ticker := time.NewTicker(cCtx.Duration("every"))
					defer ticker.Stop()
					for {
						rec, err := c.CheckIn(ctx, id)
						if err != nil {
							return nil, err
						}
						log.Printf("checked in, next check-in due at %s", rec.Vault.NextCheckInDueAt.Format(time.RFC3339))
						select {
						case <-ctx.Done():
							return nil, nil
						case <-ticker.C:
						}
					}
				}),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
