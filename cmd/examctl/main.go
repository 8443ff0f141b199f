package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dommgifer/CK-EP-sub000/internal/domain"
	"github.com/dommgifer/CK-EP-sub000/internal/monitor"
	"github.com/dommgifer/CK-EP-sub000/internal/provision"
	"github.com/dommgifer/CK-EP-sub000/pkg/config"
	"github.com/dommgifer/CK-EP-sub000/pkg/logger"
)

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
	case "deploy":
		err = commandDeploy(args)
	case "status":
		err = commandStatus(args)
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

func commandDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	questionSet := fs.String("question-set", "", "Question set identifier (required)")
	vmConfig := fs.String("vm-config", "", "VM cluster configuration identifier (required)")
	nodes := fs.Int("nodes", 0, "Node count override")
	playbook := fs.String("playbook", "", "Provisioning playbook (default cluster.yml)")
	apiBase := fs.String("api", "", "Provisioning API base URL")
	fs.Parse(args)

	if strings.TrimSpace(*questionSet) == "" {
		return errors.New("--question-set is required")
	}
	if strings.TrimSpace(*vmConfig) == "" {
		return errors.New("--vm-config is required")
	}

	cfg := config.LoadMonitorConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}
	log := logger.New("examctl", logger.ParseLevel(cfg.LogLevel))

	client, err := provision.New(cfg.APIBaseURL,
		provision.WithToken(cfg.APIToken),
	)
	if err != nil {
		return err
	}

	result := make(chan domain.DeploymentJob, 1)
	m, err := monitor.New(monitor.Config{
		Client:            client,
		ReconnectBase:     cfg.ReconnectBase,
		ReconnectMax:      cfg.ReconnectMax,
		ReconnectAttempts: cfg.ReconnectAttempts,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		PollInterval:      cfg.PollInterval,
		Logger:            log,
		Callbacks: monitor.Callbacks{
			OnConnected: func() {
				fmt.Println("-- log stream connected --")
			},
			OnDisconnected: func() {
				fmt.Println("-- log stream lost, reconnecting --")
			},
			OnError: func(msg string) {
				fmt.Fprintf(os.Stderr, "!! %s\n", msg)
			},
			OnLog: func(entry domain.LogEntry) {
				fmt.Printf("%s [%s] %s\n",
					entry.Timestamp.Format(time.TimeOnly), entry.Severity, entry.Message)
			},
			OnStatus: func(info domain.PhaseInfo) {
				log.Debug("status observed", "phase", info.Phase)
			},
			OnCompleted: func(job domain.DeploymentJob) { result <- job },
			OnFailed:    func(job domain.DeploymentJob) { result <- job },
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	job, err := m.Start(ctx, monitor.LaunchParams{
		QuestionSetID: *questionSet,
		VMConfigID:    *vmConfig,
		NodeCount:     *nodes,
		Playbook:      *playbook,
	})
	if err != nil {
		return err
	}
	fmt.Printf("deployment started: session %s\n", job.SessionID)

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "interrupted, stopping monitor (remote job keeps running)")
		m.Cancel()
		return errors.New("cancelled")
	case job := <-result:
		if job.Phase == domain.PhaseCompleted {
			fmt.Printf("deployment completed in %s\n",
				job.CompletedAt.Sub(job.StartedAt).Round(time.Second))
			return nil
		}
		if job.ExitCode != nil {
			return fmt.Errorf("deployment failed with exit code %d", *job.ExitCode)
		}
		return errors.New("deployment failed")
	}
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	sessionID := fs.String("session", "", "Exam session identifier (required)")
	apiBase := fs.String("api", "", "Provisioning API base URL")
	fs.Parse(args)

	if strings.TrimSpace(*sessionID) == "" {
		return errors.New("--session is required")
	}
	cfg := config.LoadMonitorConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}
	client, err := provision.New(cfg.APIBaseURL, provision.WithToken(cfg.APIToken))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()
	info, err := client.DeploymentStatus(ctx, *sessionID)
	if err != nil {
		return err
	}
	fmt.Printf("session:  %s\n", info.SessionID)
	fmt.Printf("phase:    %s\n", info.Phase)
	if info.ExitCode != nil {
		fmt.Printf("exit:     %d\n", *info.ExitCode)
	}
	if info.CompletedAt != nil {
		fmt.Printf("finished: %s\n", info.CompletedAt.Format(time.RFC3339))
	}
	return nil
}

func printVersion() {
	fmt.Printf("examctl %s\n", buildVersion)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: examctl <command> [flags]

commands:
  deploy    launch a cluster deployment and stream its logs
  status    query the deployment status of a session
  version   print the build version
  help      show this message

environment:
  EXAM_API_URL          provisioning API base URL (default http://localhost:8000)
  EXAM_API_TOKEN        bearer token attached to API requests
  DEPLOY_POLL_INTERVAL  status poll cadence (default 10s)`)
}
