package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/isaacmuchunu/offsync/internal/config"
	"github.com/spf13/cobra"
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Show or change the remote system of record",
	Long: `Show or change the remote this device syncs with.

Without a subcommand, prints the configured remote.

Examples:
  offsync remote                                 Show the remote
  offsync remote set-url https://sync.example    Change the remote URL
  offsync remote set-url http://wv:8080 --kind weaviate
  offsync remote set-token                       Set the bearer token or API key
  offsync remote set-token --jwt-secret          Mint device tokens from a shared secret
  offsync remote ping                            Check that the remote is reachable`,
	Run: runRemoteShow,
}

var remoteSetURLCmd = &cobra.Command{
	Use:   "set-url <url>",
	Short: "Change the remote URL",
	Args:  cobra.ExactArgs(1),
	Run:   runRemoteSetURL,
}

var remoteSetTokenCmd = &cobra.Command{
	Use:   "set-token",
	Short: "Set the authentication secret for the remote",
	Long: `Set or update the token used to authenticate with the remote.
The token is read from stdin for security (not passed as an argument).

Examples:
  offsync remote set-token                   # prompts for token
  echo "my-token" | offsync remote set-token # pipe token from stdin`,
	Args: cobra.NoArgs,
	Run:  runRemoteSetToken,
}

var remotePingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the remote is reachable",
	Run:   runRemotePing,
}

var (
	remoteKind      string
	remoteJWTSecret bool
	remoteUserID    string
)

func init() {
	remoteSetURLCmd.Flags().StringVar(&remoteKind, "kind", "", "Remote kind: http or weaviate (default: unchanged)")
	remoteSetTokenCmd.Flags().BoolVar(&remoteJWTSecret, "jwt-secret", false, "Store a JWT signing secret instead of a static token")
	remoteSetTokenCmd.Flags().StringVar(&remoteUserID, "user-id", "", "User id carried in minted device tokens")

	remoteCmd.AddCommand(remoteSetURLCmd)
	remoteCmd.AddCommand(remoteSetTokenCmd)
	remoteCmd.AddCommand(remotePingCmd)
}

// loadConfig loads the config without opening the store.
func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		exitError("%v", err)
	}
	return cfg
}

func runRemoteShow(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	fmt.Printf("URL:     %s\n", cfg.Remote.URL)
	fmt.Printf("Kind:    %s\n", cfg.Remote.Kind)
	fmt.Printf("Device:  %s\n", cfg.Remote.DeviceID)
	switch {
	case cfg.Remote.JWTSecret != "":
		fmt.Println("Auth:    device JWT")
	case cfg.Remote.Token != "":
		fmt.Println("Auth:    static token")
	default:
		fmt.Println("Auth:    none")
	}
}

func runRemoteSetURL(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	cfg.Remote.URL = args[0]
	if remoteKind != "" {
		cfg.Remote.Kind = remoteKind
	}
	if err := cfg.Validate(); err != nil {
		exitError("%v", err)
	}
	if err := cfg.Save(); err != nil {
		exitError("%v", err)
	}
	fmt.Printf("Updated remote URL to %s (%s)\n", cfg.Remote.URL, cfg.Remote.Kind)
}

func runRemoteSetToken(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	what := "token"
	if remoteJWTSecret {
		what = "JWT secret"
	}
	fmt.Fprintf(os.Stderr, "Enter %s for %s: ", what, cfg.Remote.URL)

	reader := bufio.NewReader(os.Stdin)
	token, err := reader.ReadString('\n')
	if err != nil && token == "" {
		exitError("failed to read %s: %v", what, err)
	}

	token = strings.TrimSpace(token)
	if token == "" {
		exitError("%s cannot be empty", what)
	}

	if remoteJWTSecret {
		cfg.Remote.JWTSecret = token
		cfg.Remote.Token = ""
		if remoteUserID != "" {
			cfg.Remote.UserID = remoteUserID
		}
	} else {
		cfg.Remote.Token = token
		cfg.Remote.JWTSecret = ""
	}
	if err := cfg.Save(); err != nil {
		exitError("%v", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("Stored %s for %s\n", what, cfg.Remote.URL)
}

func runRemotePing(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	if c.probe(context.Background()) {
		color.New(color.FgGreen).Printf("%s is reachable\n", c.Config.Remote.URL)
		return
	}
	c.Close()
	exitError("%s is unreachable", c.Config.Remote.URL)
}
