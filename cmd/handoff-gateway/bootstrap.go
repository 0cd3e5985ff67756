// ABOUTME: First-run commands: bootstrap creates a user and a JWT, init writes a config interactively
// ABOUTME: Bootstrap generates a config with fresh secrets when none exists yet

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/handoff-gateway/internal/auth"
	"github.com/2389/handoff-gateway/internal/config"
	"github.com/2389/handoff-gateway/internal/store"
)

// bootstrapTokenTTL is the lifetime of the JWT printed by bootstrap.
const bootstrapTokenTTL = 30 * 24 * time.Hour

type bootstrapOptions struct {
	Name  string
	Email string
	Role  store.Role
}

// parseBootstrapArgs accepts "--flag value" and "--flag=value" forms.
func parseBootstrapArgs(args []string) (bootstrapOptions, error) {
	opts := bootstrapOptions{Role: store.RoleOwner}
	values := map[string]*string{}
	var role string
	for _, names := range []struct {
		long, short string
		dst         *string
	}{
		{"--name", "-n", &opts.Name},
		{"--email", "-e", &opts.Email},
		{"--role", "-r", &role},
	} {
		values[names.long] = names.dst
		values[names.short] = names.dst
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			return opts, fmt.Errorf("unexpected argument: %s", arg)
		}
		name, value, hasValue := strings.Cut(arg, "=")
		dst, ok := values[name]
		if !ok {
			return opts, fmt.Errorf("unknown flag: %s", name)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return opts, fmt.Errorf("%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		*dst = value
	}

	opts.Name = strings.TrimSpace(opts.Name)
	opts.Email = strings.TrimSpace(opts.Email)
	switch {
	case opts.Name == "":
		return opts, errors.New("--name flag is required")
	case len(opts.Name) > 100:
		return opts, errors.New("display name exceeds maximum length of 100 characters")
	case opts.Email == "" || !strings.Contains(opts.Email, "@"):
		return opts, errors.New("--email flag is required and must be an email address")
	}
	if role != "" {
		opts.Role = store.Role(role)
		if !opts.Role.Valid() {
			return opts, fmt.Errorf("invalid role %q (owner, admin or member)", role)
		}
	}
	return opts, nil
}

// writeDefaultConfig writes a config with freshly generated secrets.
func writeDefaultConfig(configPath, dbPath string) error {
	secrets := make([]string, 3)
	for i := range secrets {
		s, err := store.GenerateToken()
		if err != nil {
			return fmt.Errorf("generating secret: %w", err)
		}
		secrets[i] = s
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	content := fmt.Sprintf(`# handoff-gateway configuration
# Generated by handoff-gateway bootstrap

server:
  grpc_addr: "localhost:50051"
  http_addr: "localhost:8080"

database:
  path: "%s"

auth:
  jwt_secret: "%s"
  token_pepper: "%s"
  resume_secret: "%s"

tokens:
  ttl: "5m"

registry:
  backend: "memory"

logging:
  level: "info"
  format: "text"
`, dbPath, secrets[0], secrets[1], secrets[2])

	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// runBootstrap creates a user and prints a JWT for it, writing a config
// first if there is none:
//
//	handoff-gateway bootstrap --name "Ada" --email ada@example.com [--role owner]
func runBootstrap(ctx context.Context, args []string) error {
	opts, err := parseBootstrapArgs(args)
	if err != nil {
		return err
	}

	configPath := getConfigPath()
	dbPath := filepath.Join(getDataPath(), "gateway.db")

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := writeDefaultConfig(configPath, dbPath); err != nil {
			return err
		}
		green.Printf("  ✓ Created config: %s\n", configPath)
	} else {
		cyan.Printf("  Using existing config: %s\n", configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer)
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	opt := []store.Option{store.WithDriver(cfg.Database.Driver), store.WithBusyTimeout(cfg.Database.BusyTimeout)}
	if cfg.Auth.TokenPepper != "" {
		opt = append(opt, store.WithTokenPepper([]byte(cfg.Auth.TokenPepper)))
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path, opt...)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	green.Printf("  ✓ Database: %s\n", cfg.Database.Path)

	user := &store.User{
		ID:          uuid.New().String(),
		DisplayName: opts.Name,
		Email:       opts.Email,
		Role:        opts.Role,
	}
	if err := s.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrEmailExists) {
			return fmt.Errorf("a user with email %s already exists", opts.Email)
		}
		return fmt.Errorf("creating user: %w", err)
	}
	green.Printf("  ✓ Created %s: %s\n", user.Role, user.DisplayName)

	token, err := verifier.Generate(user.ID, bootstrapTokenTTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	expiresAt := time.Now().Add(bootstrapTokenTTL).UTC()

	// Save token to file for the admin CLI to read
	tokenPath := filepath.Join(filepath.Dir(configPath), "token")
	if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	green.Printf("  ✓ Saved token: %s\n", tokenPath)

	fmt.Println()
	green.Println("  Bootstrap complete!")
	fmt.Println()
	cyan.Println("  User")
	cyan.Println("  ----")
	fmt.Printf("  ID:           %s\n", user.ID)
	fmt.Printf("  Display Name: %s\n", user.DisplayName)
	fmt.Printf("  Email:        %s\n", user.Email)
	fmt.Printf("  Role:         %s\n", user.Role)
	fmt.Printf("  Token:        %s (expires %s)\n", tokenPath, expiresAt.Format("Jan 02, 2006"))
	fmt.Println()

	yellow.Println("  Ready to go:")
	fmt.Println("    handoff-gateway serve          # start the gateway")
	fmt.Println("    handoff-admin issue wiki       # mint a service token")
	fmt.Println()

	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("handoff-gateway configuration setup")
	fmt.Println("===================================")
	fmt.Println()

	defaultDbPath := filepath.Join(getDataPath(), "gateway.db")

	outputFile := prompt(reader, "Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	grpcAddr := prompt(reader, "gRPC address", "localhost:50051")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Registry Configuration ---")
	backend := prompt(reader, "Channel registry (memory/redis)", "memory")
	var redisAddr string
	if backend == "redis" {
		redisAddr = prompt(reader, "Redis address", "localhost:6379")
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := yes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "handoff-gateway")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		tsEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
		tsFunnel = yes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# handoff-gateway configuration\n")
	cfg.WriteString("# Generated by handoff-gateway init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  grpc_addr: %q\n", grpcAddr)
	fmt.Fprintf(&cfg, "  http_addr: %q\n\n", httpAddr)

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n\n", dbPath)

	cfg.WriteString("auth:\n")
	cfg.WriteString("  jwt_secret: \"${HANDOFF_JWT_SECRET}\"\n")
	cfg.WriteString("  token_pepper: \"${HANDOFF_TOKEN_PEPPER}\"\n")
	cfg.WriteString("  resume_secret: \"${HANDOFF_RESUME_SECRET}\"\n\n")

	cfg.WriteString("registry:\n")
	fmt.Fprintf(&cfg, "  backend: %q\n", backend)
	if redisAddr != "" {
		cfg.WriteString("  redis:\n")
		fmt.Fprintf(&cfg, "    addr: %q\n", redisAddr)
	}
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", tailscaleEnabled)
	if tailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", tsHostname)
		if tsAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", tsAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", tsEphemeral)
		fmt.Fprintf(&cfg, "  funnel: %t\n", tsFunnel)
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n\n", logFormat)

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nSet HANDOFF_JWT_SECRET (32+ bytes), HANDOFF_TOKEN_PEPPER and HANDOFF_RESUME_SECRET, then:")
	fmt.Printf("  handoff-gateway serve\n")

	return nil
}

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "yes" || a == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
