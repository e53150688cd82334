// Command token issues and checks the bearer tokens the server accepts.
// Useful for local clients and smoke tests; production tokens come from
// the account service.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/eldtechnologies/circle/internal/identity"
)

func main() {
	args := os.Args
	if len(args) == 1 {
		args = append(args, "--help")
	}
	if err := newApp(os.Stdout).Run(context.Background(), args); err != nil {
		log.Fatal(err)
	}
}

func secretFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "secret",
		Usage:    "HS256 signing secret",
		Sources:  cli.EnvVars("JWT_SECRET"),
		Required: true,
	}
}

func newApp(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "token",
		Usage:     "Issue and verify Circle bearer tokens",
		Writer:    out,
		ErrWriter: out,
		Commands: []*cli.Command{
			{
				Name:      "issue",
				Usage:     "Print a token for a user id",
				ArgsUsage: "<user-id>",
				Flags: []cli.Flag{
					secretFlag(),
					&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour, Usage: "token lifetime"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					userID := c.Args().First()
					if userID == "" {
						return fmt.Errorf("usage: token issue <user-id>")
					}
					tok, err := identity.NewJWTGate(c.String("secret")).Issue(userID, c.Duration("ttl"))
					if err != nil {
						return err
					}
					fmt.Fprintln(out, tok)
					return nil
				},
			},
			{
				Name:      "verify",
				Usage:     "Check a token and print its user id",
				ArgsUsage: "<token>",
				Flags:     []cli.Flag{secretFlag()},
				Action: func(ctx context.Context, c *cli.Command) error {
					tok := c.Args().First()
					if tok == "" {
						return fmt.Errorf("usage: token verify <token>")
					}
					userID, err := identity.NewJWTGate(c.String("secret")).Authenticate(ctx, tok)
					if err != nil {
						return err
					}
					fmt.Fprintln(out, userID)
					return nil
				},
			},
		},
	}
}
