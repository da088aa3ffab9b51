package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"deskrelay/internal/client"
	"deskrelay/internal/config"
)

type desktopOptions struct {
	asJSON bool
	out    string
	button string
}

func newDesktopCmd(a *app) *cobra.Command {
	opts := &desktopOptions{}
	cmd := &cobra.Command{
		Use:   "desktop",
		Short: "Drive a connected desktop through the relay",
	}
	flags := cmd.PersistentFlags()
	flags.String("url", "ws://127.0.0.1:8080", "relay url (proxy or bridge)")
	flags.BoolVar(&opts.asJSON, "json", false, "print the result as JSON")
	bindFlag(flags, "url", config.KeyClientURL)

	run := func(action func(ctx context.Context, c *client.Client, args []string) (client.Result, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			c, err := client.New(client.Config{URL: a.cfg.ClientURL, Token: a.cfg.ControlToken}, a.log)
			if err != nil {
				return err
			}
			defer c.Close()

			result, err := action(cmd.Context(), c, args)
			if err != nil {
				return err
			}
			if err := writeResult(cmd, result, opts); err != nil {
				return err
			}
			if !result.OK() {
				return fmt.Errorf("desktop %s", result.Status)
			}
			return nil
		}
	}

	useCmd := &cobra.Command{
		Use:   "use [task]",
		Short: "Ask for desktop control, or confirm it is already granted",
		RunE: run(func(ctx context.Context, c *client.Client, args []string) (client.Result, error) {
			return c.UseDesktop(ctx, strings.Join(args, " ")), nil
		}),
	}

	seeCmd := &cobra.Command{
		Use:   "see",
		Short: "Capture a screenshot",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, c *client.Client, _ []string) (client.Result, error) {
			result := c.SeeScreen(ctx)
			if result.OK() && opts.out != "" {
				if err := saveScreenshot(opts.out, result.Data); err != nil {
					return result, err
				}
				result.Message += " Saved to " + opts.out + "."
				result.Data = nil
			}
			return result, nil
		}),
	}
	seeCmd.Flags().StringVarP(&opts.out, "out", "o", "", "write the screenshot to this file")

	clickCmd := &cobra.Command{
		Use:   "click <x> <y>",
		Short: "Click at screen coordinates",
		Args:  cobra.ExactArgs(2),
		RunE: run(func(ctx context.Context, c *client.Client, args []string) (client.Result, error) {
			x, err := strconv.Atoi(args[0])
			if err != nil {
				return client.Result{}, fmt.Errorf("invalid x %q: %w", args[0], err)
			}
			y, err := strconv.Atoi(args[1])
			if err != nil {
				return client.Result{}, fmt.Errorf("invalid y %q: %w", args[1], err)
			}
			return c.Click(ctx, x, y, opts.button), nil
		}),
	}
	clickCmd.Flags().StringVar(&opts.button, "button", "left", "mouse button: left, right or middle")

	typeCmd := &cobra.Command{
		Use:   "type <text>",
		Short: "Type text",
		Args:  cobra.MinimumNArgs(1),
		RunE: run(func(ctx context.Context, c *client.Client, args []string) (client.Result, error) {
			return c.Type(ctx, strings.Join(args, " ")), nil
		}),
	}

	keysCmd := &cobra.Command{
		Use:   "keys <combo>",
		Short: "Press a key combination such as ctrl+c",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, c *client.Client, args []string) (client.Result, error) {
			return c.Keys(ctx, args[0]), nil
		}),
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the desktop connection and control state",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, c *client.Client, _ []string) (client.Result, error) {
			return c.Status(ctx), nil
		}),
	}

	releaseCmd := &cobra.Command{
		Use:   "release [message]",
		Short: "Hand desktop control back to the user",
		RunE: run(func(ctx context.Context, c *client.Client, args []string) (client.Result, error) {
			return c.Release(ctx, strings.Join(args, " ")), nil
		}),
	}

	cmd.AddCommand(useCmd, seeCmd, clickCmd, typeCmd, keysCmd, statusCmd, releaseCmd)
	return cmd
}

func writeResult(cmd *cobra.Command, result client.Result, opts *desktopOptions) error {
	out := cmd.OutOrStdout()
	if opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	if _, err := fmt.Fprintf(out, "%s: %s\n", result.Status, result.Message); err != nil {
		return err
	}
	if result.SessionID != "" {
		if _, err := fmt.Fprintf(out, "session: %s\n", result.SessionID); err != nil {
			return err
		}
	}
	if len(result.Data) > 0 && string(result.Data) != "null" {
		_, err := fmt.Fprintf(out, "data: %s\n", result.Data)
		return err
	}
	return nil
}

// saveScreenshot writes the image from a screenshot reply. Desktops send it
// base64 encoded, optionally as a data URL, under "image" or "screenshot".
func saveScreenshot(path string, data json.RawMessage) error {
	var body struct {
		Image      string `json:"image"`
		Screenshot string `json:"screenshot"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return fmt.Errorf("decode screenshot: %w", err)
	}
	encoded := body.Image
	if encoded == "" {
		encoded = body.Screenshot
	}
	if encoded == "" {
		return os.WriteFile(path, data, 0o600)
	}
	if i := strings.Index(encoded, ","); strings.HasPrefix(encoded, "data:") && i >= 0 {
		encoded = encoded[i+1:]
	}
	image, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode screenshot: %w", err)
	}
	return os.WriteFile(path, image, 0o600)
}
