package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/splax/launchpad/internal/client"
	"github.com/splax/launchpad/internal/config"
	"github.com/splax/launchpad/internal/jwt"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

const defaultAPIBase = "http://localhost:4000"

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "token":
		err = commandToken(args)
	case "login":
		err = commandLogin(args)
	case "build":
		err = commandBuild(args)
	case "bluegreen":
		err = commandBlueGreen(args)
	case "domain":
		err = commandDomain(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// commandToken mints an access token with the server's JWT_SECRET. Operators
// use it to bootstrap access since the API has no account endpoints.
func commandToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	user := fs.String("user", "", "User identifier placed in the token subject")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	save := fs.Bool("save", false, "Store the token in the CLI config")
	fs.Parse(args)

	if strings.TrimSpace(*user) == "" {
		return errors.New("--user is required")
	}
	secret := config.GetString("JWT_SECRET", "")
	if secret == "" {
		return errors.New("JWT_SECRET must be set")
	}
	token, err := jwt.GenerateToken(strings.TrimSpace(*user), secret, *ttl)
	if err != nil {
		return err
	}
	if *save {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.AccessToken = token
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Println("token saved")
		return nil
	}
	fmt.Println(token)
	return nil
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	token := fs.String("token", "", "Access token (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default http://localhost:4000)")
	fs.Parse(args)

	value := strings.TrimSpace(*token)
	if value == "" {
		fmt.Print("Token: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		value = strings.TrimSpace(string(bytes))
	}
	if value == "" {
		return errors.New("token is required")
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}
	cfg.AccessToken = value
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("login successful")
	return nil
}

func commandBuild(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: launchpad build [trigger|list|get|rollback]")
	}
	switch args[0] {
	case "trigger":
		return buildTrigger(args[1:])
	case "list":
		return buildList(args[1:])
	case "get":
		return buildGet(args[1:])
	case "rollback":
		return buildRollback(args[1:])
	default:
		return fmt.Errorf("unknown build command: %s", args[0])
	}
}

func buildTrigger(args []string) error {
	fs := flag.NewFlagSet("build trigger", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	source := fs.String("source", "", "Build source (auto|dockerfile|buildpack|image)")
	image := fs.String("image", "", "Prebuilt image for --source image")
	tag := fs.String("tag", "", "Image tag")
	gitURL := fs.String("git", "", "Repository URL")
	branch := fs.String("branch", "", "Branch to build")
	commit := fs.String("commit", "", "Commit SHA")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	cli, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dep, err := cli.TriggerBuild(ctx, client.BuildRequest{
		ProjectID:     *projectID,
		Source:        *source,
		Image:         *image,
		Tag:           *tag,
		GitURL:        *gitURL,
		GitBranch:     *branch,
		GitCommitHash: *commit,
	})
	if err != nil {
		return err
	}
	fmt.Printf("build started: %s status=%s\n", dep.ID, dep.Status)
	return nil
}

func buildList(args []string) error {
	fs := flag.NewFlagSet("build list", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	limit := fs.Int("limit", 10, "Maximum number of deployments")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	cli, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	deployments, err := cli.ListDeployments(ctx, *projectID, *limit)
	if err != nil {
		return err
	}
	for _, dep := range deployments {
		fmt.Printf("%s\t%s\t%s\t%s\n", dep.ID, dep.Version, dep.Status, dep.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func buildGet(args []string) error {
	fs := flag.NewFlagSet("build get", flag.ExitOnError)
	deploymentID := fs.String("deployment", "", "Deployment identifier")
	fs.Parse(args)

	if strings.TrimSpace(*deploymentID) == "" {
		return errors.New("--deployment is required")
	}
	cli, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dep, err := cli.GetDeployment(ctx, *deploymentID)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(dep, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func buildRollback(args []string) error {
	fs := flag.NewFlagSet("build rollback", flag.ExitOnError)
	deploymentID := fs.String("deployment", "", "Deployment to redeploy")
	fs.Parse(args)

	if strings.TrimSpace(*deploymentID) == "" {
		return errors.New("--deployment is required")
	}
	cli, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dep, err := cli.RollbackDeployment(ctx, *deploymentID)
	if err != nil {
		return err
	}
	fmt.Printf("rollback started: %s\n", dep.ID)
	return nil
}

func commandBlueGreen(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: launchpad bluegreen [deploy|rollback]")
	}
	switch args[0] {
	case "deploy":
		return blueGreenDeploy(args[1:])
	case "rollback":
		return blueGreenRollback(args[1:])
	default:
		return fmt.Errorf("unknown bluegreen command: %s", args[0])
	}
}

func blueGreenDeploy(args []string) error {
	fs := flag.NewFlagSet("bluegreen deploy", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	image := fs.String("image", "", "Image repository")
	tag := fs.String("tag", "latest", "Image tag")
	healthURL := fs.String("health-url", "", "Health check URL")
	timeout := fs.Int("health-timeout", 0, "Health check timeout in seconds (default 60)")
	keepOld := fs.Bool("keep-old", true, "Keep the previous container stopped for rollback")
	async := fs.Bool("async", false, "Return once the release is accepted")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" || strings.TrimSpace(*image) == "" {
		return errors.New("--project and --image are required")
	}
	// Synchronous releases wait out the health check and switchover server side.
	cli, err := authedClient(client.WithHTTPClient(&http.Client{Timeout: 10 * time.Minute}))
	if err != nil {
		return err
	}
	in := client.BlueGreenRequest{
		ProjectID:        *projectID,
		NewImage:         *image,
		NewTag:           *tag,
		HealthCheckURL:   *healthURL,
		KeepOldContainer: keepOld,
		Async:            *async,
	}
	if *timeout > 0 {
		in.HealthCheckTimeout = timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	res, err := cli.BlueGreenDeploy(ctx, in)
	if err != nil {
		return err
	}
	if *async {
		fmt.Println("blue-green deployment started")
		return nil
	}
	fmt.Printf("switched to %s (previous %s)\n", res.NewContainerID, res.OldContainerID)
	return nil
}

func blueGreenRollback(args []string) error {
	fs := flag.NewFlagSet("bluegreen rollback", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	container := fs.String("container", "", "Previous container identifier")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" || strings.TrimSpace(*container) == "" {
		return errors.New("--project and --container are required")
	}
	cli, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := cli.BlueGreenRollback(ctx, *projectID, *container); err != nil {
		return err
	}
	fmt.Println("rollback completed")
	return nil
}

func commandDomain(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: launchpad domain [list|add|activate|sync]")
	}
	switch args[0] {
	case "list":
		return domainList(args[1:])
	case "add":
		return domainAdd(args[1:])
	case "activate":
		return domainActivate(args[1:])
	case "sync":
		return domainSync()
	default:
		return fmt.Errorf("unknown domain command: %s", args[0])
	}
}

func domainList(args []string) error {
	fs := flag.NewFlagSet("domain list", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	cli, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	list, err := cli.ListDomains(ctx, *projectID)
	if err != nil {
		return err
	}
	for _, d := range list {
		fmt.Printf("%s\t%s\t%s\tssl=%t\n", d.ID, d.Name, d.Status, d.SSLEnabled)
	}
	return nil
}

func domainAdd(args []string) error {
	fs := flag.NewFlagSet("domain add", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	name := fs.String("name", "", "Hostname")
	ssl := fs.Bool("ssl", true, "Request a certificate")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" || strings.TrimSpace(*name) == "" {
		return errors.New("--project and --name are required")
	}
	cli, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	d, err := cli.CreateDomain(ctx, *projectID, *name, *ssl)
	if err != nil {
		return err
	}
	fmt.Printf("domain created: %s (%s)\n", d.ID, d.Name)
	return nil
}

func domainActivate(args []string) error {
	fs := flag.NewFlagSet("domain activate", flag.ExitOnError)
	domainID := fs.String("domain", "", "Domain identifier")
	fs.Parse(args)

	if strings.TrimSpace(*domainID) == "" {
		return errors.New("--domain is required")
	}
	cli, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	d, err := cli.ActivateDomain(ctx, *domainID)
	if err != nil {
		return err
	}
	fmt.Printf("domain %s is %s\n", d.Name, d.Status)
	return nil
}

func domainSync() error {
	cli, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := cli.SyncDomains(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("synced %d domain(s)\n", n)
	return nil
}

func authedClient(opts ...client.Option) (*client.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, errors.New("please login first using 'launchpad login'")
	}
	return client.New(cfg.APIBaseURL, append([]client.Option{client.WithToken(token)}, opts...)...)
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBase}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "launchpad", "config.json"), nil
}

func printUsage() {
	fmt.Printf("launchpad CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	launchpad token --user <user-id> [--ttl 24h] [--save]
	launchpad login [--token <token>] [--api http://localhost:4000]
	launchpad build trigger --project <project-id> [--source auto|dockerfile|buildpack|image] [--image img] [--tag t] [--git url] [--branch b] [--commit sha]
	launchpad build list --project <project-id> [--limit N]
	launchpad build get --deployment <deployment-id>
	launchpad build rollback --deployment <deployment-id>
	launchpad bluegreen deploy --project <project-id> --image <image> [--tag t] [--health-url url] [--health-timeout s] [--keep-old=false] [--async]
	launchpad bluegreen rollback --project <project-id> --container <container-id>
	launchpad domain list --project <project-id>
	launchpad domain add --project <project-id> --name <hostname> [--ssl=false]
	launchpad domain activate --domain <domain-id>
	launchpad domain sync
	launchpad version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
