package main

import (
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
	"github.com/ruteri/guardian-recovery-vault/interfaces"
)

var flagPrivkey *cli.StringFlag = &cli.StringFlag{
	Name:    "privkey-file",
	Value:   "guardian-private.pem",
	EnvVars: []string{"GUARDIAN_PRIVKEY_FILE"},
	Usage:   "Path to the guardian's P-256 private key",
}
var flagPubkey *cli.StringFlag = &cli.StringFlag{
	Name:  "pubkey-file",
	Value: "guardian-public.pem",
	Usage: "Path to the guardian's public key",
}
var flagGuardianID *cli.StringFlag = &cli.StringFlag{
	Name:    "guardian",
	EnvVars: []string{"GUARDIAN_ID"},
	Usage:   "Guardian ID returned on acceptance",
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
var flagToken *cli.StringFlag = &cli.StringFlag{
	Name:     "token",
	Required: true,
	Usage:    "Invitation token",
}
var flagShareFile *cli.StringFlag = &cli.StringFlag{
	Name:  "share-file",
	Value: "share.json",
	Usage: "Path of the decrypted share file",
}

func guardianClient(cCtx *cli.Context) (*clients.GuardianClient, error) {
	privateKeyPEM, err := os.ReadFile(cCtx.String(flagPrivkey.Name))
	if err != nil {
		return nil, err
	}
	return clients.NewGuardianClient(cCtx.String(flags.ServerURLFlag.Name), cCtx.String(flagGuardianID.Name), privateKeyPEM)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func readShare(path string) (fragments.Share, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fragments.Share{}, err
	}
	var s api.ShareSubmission
	if err := json.Unmarshal(raw, &s); err != nil {
		return fragments.Share{}, fmt.Errorf("%s: %w", path, err)
	}
	return fragments.Share{FragmentID: s.FragmentID, GuardianID: s.GuardianID, Data: s.Share}, nil
}

func main() {
	app := &cli.App{
		Name:  "vault-guardian",
		Usage: "Act as a guardian of a recovery vault",
		Flags: []cli.Flag{
			flags.ServerURLFlag,
			flagPrivkey,
			flagGuardianID,
		},
		Commands: []*cli.Command{
			{
				Name:  "generate-key",
				Usage: "Generate the guardian key pair",
				Flags: []cli.Flag{flagPubkey},
				Action: func(cCtx *cli.Context) error {
					privateKeyPEM, publicKeyPEM, err := cryptoutils.GenerateKeyPair()
					if err != nil {
						return err
					}
					if err := os.WriteFile(cCtx.String(flagPrivkey.Name), privateKeyPEM, 0600); err != nil {
						return err
					}
					return os.WriteFile(cCtx.String(flagPubkey.Name), publicKeyPEM, 0644)
				},
			},
			{
				Name:  "accept",
				Usage: "Accept an invitation and register the public key",
				Flags: []cli.Flag{flagToken},
				Action: func(cCtx *cli.Context) error {
					client, err := guardianClient(cCtx)
					if err != nil {
						return err
					}
					g, err := client.Accept(cCtx.Context, cCtx.String(flagToken.Name))
					if err != nil {
						return err
					}
					return printJSON(g)
				},
			},
			{
				Name:  "decline",
				Usage: "Decline an invitation",
				Flags: []cli.Flag{flagToken, &cli.StringFlag{Name: "reason"}},
				Action: func(cCtx *cli.Context) error {
					client, err := guardianClient(cCtx)
					if err != nil {
						return err
					}
					g, err := client.Decline(cCtx.Context, cCtx.String(flagToken.Name), cCtx.String("reason"))
					if err != nil {
						return err
					}
					return printJSON(g)
				},
			},
			{
				Name:  "fetch-share",
				Usage: "Fetch and decrypt this guardian's fragment into a share file",
				Flags: []cli.Flag{flagVaultID, flagShareFile},
				Action: func(cCtx *cli.Context) error {
					client, err := guardianClient(cCtx)
					if err != nil {
						return err
					}
					share, err := client.FetchShare(cCtx.Context, cCtx.String(flagVaultID.Name))
					if err != nil {
						return err
					}
					defer fragments.WipeShares([]fragments.Share{share})

					out, err := json.Marshal(api.ShareSubmission{FragmentID: share.FragmentID, GuardianID: share.GuardianID, Share: share.Data})
					if err != nil {
						return err
					}
					return os.WriteFile(cCtx.String(flagShareFile.Name), out, 0600)
				},
			},
			{
				Name:  "verify",
				Usage: "Check a share file against the stored fragment tag",
				Flags: []cli.Flag{flagVaultID, flagShareFile},
				Action: func(cCtx *cli.Context) error {
					client, err := guardianClient(cCtx)
					if err != nil {
						return err
					}
					share, err := readShare(cCtx.String(flagShareFile.Name))
					if err != nil {
						return err
					}
					defer fragments.WipeShares([]fragments.Share{share})

					valid, err := client.VerifyFragment(cCtx.Context, cCtx.String(flagVaultID.Name), share)
					if err != nil {
						return err
					}
					if !valid {
						return fmt.Errorf("share in %s does not match fragment %s", cCtx.String(flagShareFile.Name), share.FragmentID)
					}
					log.Printf("share matches fragment %s", share.FragmentID)
					return nil
				},
			},
			{
				Name:  "vote",
				Usage: "Approve or reject a recovery request",
				Flags: []cli.Flag{
					flagVaultID,
					flagRequestID,
					&cli.StringFlag{Name: "decision", Required: true, Usage: "approve or reject"},
					&cli.StringFlag{Name: "note"},
				},
				Action: func(cCtx *cli.Context) error {
					client, err := guardianClient(cCtx)
					if err != nil {
						return err
					}
					req, err := client.Vote(cCtx.Context, cCtx.String(flagVaultID.Name), cCtx.String(flagRequestID.Name),
						interfaces.Decision(cCtx.String("decision")), cCtx.String("note"))
					if err != nil {
						return err
					}
					return printJSON(req)
				},
			},
			{
				Name:  "dispute",
				Usage: "Dispute an approved request during its dispute window",
				Flags: []cli.Flag{flagVaultID, flagRequestID, &cli.StringFlag{Name: "reason", Required: true}},
				Action: func(cCtx *cli.Context) error {
					client, err := guardianClient(cCtx)
					if err != nil {
						return err
					}
					req, err := client.Dispute(cCtx.Context, cCtx.String(flagVaultID.Name), cCtx.String(flagRequestID.Name), cCtx.String("reason"))
					if err != nil {
						return err
					}
					return printJSON(req)
				},
			},
			{
				Name:  "execute",
				Usage: "Complete an approved request after its dispute window",
				Flags: []cli.Flag{flagVaultID, flagRequestID},
				Action: func(cCtx *cli.Context) error {
					client, err := guardianClient(cCtx)
					if err != nil {
						return err
					}
					req, err := client.Execute(cCtx.Context, cCtx.String(flagVaultID.Name), cCtx.String(flagRequestID.Name))
					if err != nil {
						return err
					}
					return printJSON(req)
				},
			},
			{
				Name:  "submit",
				Usage: "Submit the share file toward reconstruction of a completed recovery",
				Flags: []cli.Flag{flagVaultID, flagShareFile},
				Action: func(cCtx *cli.Context) error {
					client, err := guardianClient(cCtx)
					if err != nil {
						return err
					}
					share, err := readShare(cCtx.String(flagShareFile.Name))
					if err != nil {
						return err
					}
					defer fragments.WipeShares([]fragments.Share{share})

					res, err := client.SubmitFragment(cCtx.Context, cCtx.String(flagVaultID.Name), share)
					if err != nil {
						return err
					}
					return printJSON(res)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
