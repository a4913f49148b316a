// Command kvpaxosctl exercises a Handle from the command line for
// manual testing and scripted integration tests. It is not part of
// the consensus core's contract.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/senutpal/kvpaxos"
)

var (
	logFile string
	table   string
)

func main() {
	root := &cobra.Command{
		Use:          "kvpaxosctl <replica-file> <key> [version [value]]",
		Short:        "Get or put a key in a kvpaxos-backed replica set",
		Args:         cobra.RangeArgs(2, 4),
		RunE:         runDefault,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&logFile, "log-file", "", "rotate structured logs to this path instead of staying silent")
	root.PersistentFlags().StringVar(&table, "table", "kvlog", "relation name on each backend")
	root.AddCommand(bootstrapCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger() *zap.Logger {
	if logFile == "" {
		return zap.NewNop()
	}
	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     7,
	})
	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), sink, zap.InfoLevel)
	return zap.New(core)
}

func readEndpoints(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read replica file: %w", err)
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("replica file %q has no endpoints", path)
	}
	return out, nil
}

func bootstrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap <replica-file>",
		Short: "Create the relation on every replica without performing a get/put",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoints, err := readEndpoints(args[0])
			if err != nil {
				return err
			}
			log := newLogger()
			defer log.Sync()

			h, err := kvpaxos.Construct(context.Background(), endpoints, kvpaxos.WithLogger(log), kvpaxos.WithTable(table))
			if err != nil {
				return err
			}
			defer h.Close()
			fmt.Fprintf(os.Stderr, "bootstrapped %d replicas (quorum=%d)\n", h.Replicas(), h.Quorum())
			return nil
		},
	}
}

func runDefault(cmd *cobra.Command, args []string) error {
	replicaFile, key := args[0], args[1]
	hasVersion := len(args) >= 3
	hasValue := len(args) >= 4

	endpoints, err := readEndpoints(replicaFile)
	if err != nil {
		return err
	}

	log := newLogger()
	defer log.Sync()

	ctx := context.Background()
	h, err := kvpaxos.Construct(ctx, endpoints, kvpaxos.WithLogger(log), kvpaxos.WithTable(table))
	if err != nil {
		return err
	}
	defer h.Close()

	switch {
	case hasValue:
		version, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[2], err)
		}
		res, err := h.Put(ctx, []byte(key), version, []byte(args[3]))
		if err != nil {
			return err
		}
		reportPut(res)
	case hasVersion:
		version, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[2], err)
		}
		stdin, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		res, err := h.Put(ctx, []byte(key), version, stdin)
		if err != nil {
			return err
		}
		reportPut(res)
	default:
		res, err := h.Get(ctx, []byte(key))
		if err != nil {
			return err
		}
		reportGet(res)
	}
	return nil
}

func putKindString(k kvpaxos.PutKind) string {
	switch k {
	case kvpaxos.PutOk:
		return "ok"
	case kvpaxos.PutResolved:
		return "resolved"
	case kvpaxos.PutAlreadyLearned:
		return "already-learned"
	case kvpaxos.PutInvalidInput:
		return "invalid-input"
	case kvpaxos.PutNoPromiseQuorum:
		return "no-promise-quorum"
	case kvpaxos.PutNoAcceptQuorum:
		return "no-accept-quorum"
	case kvpaxos.PutNoLearnQuorum:
		return "no-learn-quorum"
	default:
		return "unknown"
	}
}

func getKindString(k kvpaxos.GetKind) string {
	switch k {
	case kvpaxos.GetOk:
		return "ok"
	case kvpaxos.GetNotFound:
		return "not-found"
	case kvpaxos.GetNoQuorum:
		return "no-quorum"
	default:
		return "unknown"
	}
}

// reportPut writes a status line on stderr and exits 0 iff the outcome
// is Ok, so the tool composes in shell scripts.
func reportPut(res kvpaxos.PutResult) {
	fmt.Fprintf(os.Stderr, "status(%s) version(%d)\n", putKindString(res.Kind), res.Version)
	if res.Kind != kvpaxos.PutOk {
		os.Exit(1)
	}
}

func reportGet(res kvpaxos.GetResult) {
	fmt.Fprintf(os.Stderr, "status(%s) version(%d) replicas(%d)\n", getKindString(res.Kind), res.Version, res.Replicas)
	if res.Kind != kvpaxos.GetOk {
		os.Exit(1)
	}
	os.Stdout.Write(res.Value)
}
