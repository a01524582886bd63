package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var showMeta bool

var queryCmd = &cobra.Command{
	Use:   "query [request]",
	Short: "Resolve a single analytics request",
	Long: `Resolves one natural-language request and prints the response.

Example:
  metricsmith query "what was the velocity for XYZ over the last 3 sprints"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().BoolVar(&showMeta, "meta", false, "Print descriptor hash and outcome after the response")
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	request := strings.Join(args, " ")
	logger.Debug("Resolving request", zap.String("request", request))

	res, err := rt.coord.Resolve(ctx, request)
	if err != nil {
		return err
	}

	fmt.Println(res.Response)
	if showMeta {
		fmt.Printf("\nhash=%s kind=%s outcome=%s\n", res.Hash, res.Kind, res.Outcome)
	}
	return nil
}
