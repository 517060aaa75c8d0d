package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/maskauth/gibbon/pkg/gibbon"
)

// connectTimeout bounds the initial server selection.
const connectTimeout = 15 * time.Second

var errURIRequired = errors.New("--uri is required")

func newInitCommand(workDir, configPath string, env []string) *Command {
	cmd := &Command{
		Usage: "init --uri=<db-uri> [flags]",
		Short: "Seed the store (idempotent) and write a starter config",
	}
	cmd.Flags = newFlagSet(cmd)

	uri := cmd.Flags.String("uri", "", "MongoDB connection URI (required)")

	cmd.Exec = func(ctx context.Context, o *IO, _ []string) error {
		if *uri == "" {
			return errURIRequired
		}

		cfg, sources, err := gibbon.LoadConfig(workDir, configPath, env)
		if err != nil {
			return err
		}

		// First run in a fresh project: persist the defaults so later
		// commands resolve the same universe sizes.
		if sources.Project == "" && configPath == "" {
			path := filepath.Join(workDir, gibbon.ConfigFileName)

			writeErr := writeStarterConfig(path, cfg)
			if writeErr != nil {
				return writeErr
			}

			o.Println("wrote", path)
		}

		return runInit(ctx, o, cfg, *uri)
	}

	return cmd
}

func runInit(ctx context.Context, o *IO, cfg gibbon.Config, uri string) error {
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	defer func() {
		_ = client.Disconnect(ctx)
	}()

	g, err := gibbon.New(client, cfg)
	if err != nil {
		return err
	}

	err = g.Initialize(ctx)
	if err != nil {
		return err
	}

	o.Printf("initialized db %q: %d group slots, %d permission slots\n",
		cfg.DBName, 8*cfg.GroupByteLength, 8*cfg.PermissionByteLength)

	return nil
}

func writeStarterConfig(path string, cfg gibbon.Config) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	formatted, err := gibbon.FormatConfig(cfg)
	if err != nil {
		return err
	}

	err = atomic.WriteFile(path, strings.NewReader(formatted+"\n"))
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}
