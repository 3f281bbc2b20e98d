// ABOUTME: Device-side CLI for warden-gate
// ABOUTME: Checks access status, claims device links, and inspects local session state

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/warden-gate/internal/client"
)

var version = "dev"

// noAuthenticator is the CLI stand-in for a platform authenticator. Biometric
// ceremonies need a browser; commands that require one report that clearly.
type noAuthenticator struct{}

func (noAuthenticator) Available(context.Context) bool { return false }

func (noAuthenticator) Create(context.Context, json.RawMessage) (json.RawMessage, error) {
	return nil, client.ErrUnsupported
}

func (noAuthenticator) Get(context.Context, json.RawMessage) (json.RawMessage, error) {
	return nil, client.ErrUnsupported
}

func usage() {
	fmt.Println("Usage: wardenctl <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  status            Show this device's access status")
	fmt.Println("  claim <code>      Claim a device-link code from the owner device")
	fmt.Println("  session           Verify the stored session with the server")
	fmt.Println("  logout            Revoke the stored session")
	fmt.Println("  device-id         Print this device's identifier")
	fmt.Println("  version           Print the version")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  WARDEN_SERVER     Server base URL (default http://localhost:8080)")
	fmt.Println("  WARDEN_STATE_DIR  Local state directory (default XDG data dir)")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	serverURL := os.Getenv("WARDEN_SERVER")
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}

	c := client.New(serverURL, stateDir(), noAuthenticator{})

	var err error
	switch os.Args[1] {
	case "status":
		err = runStatus(ctx, c)
	case "claim":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: wardenctl claim <code>")
			os.Exit(1)
		}
		err = runClaim(ctx, c, os.Args[2])
	case "session":
		err = runSession(ctx, c)
	case "logout":
		c.ClearSession()
		fmt.Println("Session cleared.")
	case "device-id":
		err = runDeviceID(c)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func stateDir() string {
	if dir := os.Getenv("WARDEN_STATE_DIR"); dir != "" {
		return dir
	}

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "warden", "client")
}

func runStatus(ctx context.Context, c *client.Client) error {
	status, err := c.CheckAccessStatus(ctx)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	switch client.Decide(status) {
	case client.DecisionSetup:
		green.Println("No owner registered yet.")
		fmt.Println("Open the dashboard in a browser on this device to claim it.")
	case client.DecisionUnlock:
		green.Printf("This device belongs to the owner. %s via the dashboard.\n", client.UnlockLabel())
	case client.DecisionLocked:
		red.Println("Locked: this dashboard already has an owner.")
		fmt.Println("Ask the owner for a device-link code, then run: wardenctl claim <code>")
	case client.DecisionServiceError:
		yellow.Println("The server could not be reached or reported an error.")
		fmt.Println("Registration stays disabled until the status can be confirmed.")
	}

	if c.IsSessionVerified() {
		fmt.Println("A session token is stored locally.")
	}

	return nil
}

func runClaim(ctx context.Context, c *client.Client, code string) error {
	if err := c.ClaimDeviceLink(ctx, code); err != nil {
		return err
	}

	color.New(color.FgGreen).Println("Link claimed.")
	fmt.Printf("Open the dashboard in a browser on this device to finish enrolling with %s.\n",
		client.AuthenticatorLabel())
	return nil
}

func runSession(ctx context.Context, c *client.Client) error {
	if c.SessionToken() == "" {
		fmt.Println("No session stored.")
		return nil
	}

	valid, err := c.VerifySession(ctx)
	if err != nil {
		if errors.Is(err, client.ErrService) {
			fmt.Println("Could not confirm the session with the server; it has been cleared.")
			return nil
		}
		return err
	}

	if valid {
		color.New(color.FgGreen).Println("Session is valid.")
	} else {
		fmt.Println("Session was invalid and has been cleared.")
	}
	return nil
}

func runDeviceID(c *client.Client) error {
	id, err := c.DeviceID()
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}
