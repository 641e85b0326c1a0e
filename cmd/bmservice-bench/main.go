// Command bmservice-bench drives a Runner against an echo network it
// defines on a simulated runtime and reports throughput and latency, the
// way a deployed service would exercise a real model (spec.md §4.7's "non-core example main").
// It is a benchmarking/smoke-testing tool, not part of the core C-ABI
// surface.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	bmservice "github.com/behrlich/go-bmservice"
	"github.com/behrlich/go-bmservice/internal/config"
	"github.com/behrlich/go-bmservice/internal/device"
	"github.com/behrlich/go-bmservice/internal/interfaces"
	"github.com/behrlich/go-bmservice/internal/logging"
)

var (
	configPath string
	requests   int
	devices    []int
)

func main() {
	root := &cobra.Command{
		Use:   "bmservice-bench",
		Short: "Drive a simulated echo network through a Runner and report throughput",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "", "optional YAML config file (internal/config.FileConfig)")
	root.Flags().IntVar(&requests, "requests", 10000, "number of requests to submit")
	root.Flags().IntSliceVar(&devices, "devices", nil, "device ids to simulate (default: all simulated devices)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.ApplyEnvOverrides()

	logger := logging.NewLogger(cfg.LoggingConfig())
	logging.SetDefault(logger)

	ids := devices
	if len(ids) == 0 {
		ids = cfg.DeviceIDs
	}
	if len(ids) == 0 {
		ids = []int{0, 1, 2, 3}
	}

	rt := device.NewSimRuntime(ids)
	const modelPath = "echo-model.bin"
	const networkName = "echo"
	rt.Models[modelPath] = interfaces.NetworkInfo{
		Name:         networkName,
		InputNames:   []string{"x"},
		OutputNames:  []string{"y"},
		InputDtypes:  []interfaces.DType{interfaces.DTypeU32},
		OutputDtypes: []interfaces.DType{interfaces.DTypeU32},
		InputShapes:  [][]uint32{{1}},
		OutputShapes: [][]uint32{{1}},
		IsDynamic:    true,
		StaticBatch:  1,
	}

	pre := func(in int, tensors interfaces.TensorVec, ctx *device.Context) bool {
		buf := []byte{byte(in), byte(in >> 8), byte(in >> 16), byte(in >> 24)}
		return ctx.WriteTensorBytes(tensors[0], buf) == nil
	}
	post := func(_ int, tensors interfaces.TensorVec, ctx *device.Context) (int, bool) {
		data, err := ctx.ReadTensorBytes(tensors[0])
		if err != nil || len(data) < 4 {
			return 0, false
		}
		v := int(data[0]) | int(data[1])<<8 | int(data[2])<<16 | int(data[3])<<24
		return v, true
	}

	runner, err := bmservice.NewRunner[int, int](bmservice.RunnerParams[int, int]{
		DeviceIDs:       ids,
		ModelPath:       modelPath,
		NetworkName:     networkName,
		Runtime:         rt,
		Preprocess:      pre,
		Postprocess:     post,
		InputTemplate:   []bmservice.TensorTemplate{{Name: "x", Shape: []uint32{1}, Dtype: interfaces.DTypeU32}},
		OutputTemplate:  []bmservice.TensorTemplate{{Name: "y", Shape: []uint32{1}, Dtype: interfaces.DTypeU32}},
		Logger:          logger,
		InputQueueBurst: cfg.InputQueueBurst,
		CPUAffinity:     cfg.CPUAffinity,
	})
	if err != nil {
		return fmt.Errorf("new runner: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			logger.Info("received shutdown signal, stopping all devices")
			runner.Stop(bmservice.StopAllDevices)
		case <-done:
		}
	}()

	stats := bmservice.NewProcessStatInfo()
	start := time.Now()

	go func() {
		for i := 0; i < requests; i++ {
			runner.Submit(i)
		}
	}()

	for i := 0; i < requests; i++ {
		res, ok := runner.WaitAndPop()
		if !ok {
			logger.Warnf("runner drained early after %d/%d results", i, requests)
			break
		}
		stats.Fold(res.Status)
	}
	close(done)

	elapsed := time.Since(start)
	logger.Infof("submitted %d requests in %s (%.0f req/s)", requests, elapsed, float64(requests)/elapsed.Seconds())
	fmt.Print(stats.Show())

	snap := runner.MetricsSnapshot()
	fmt.Printf("metrics: valid=%d invalid=%d avg_latency=%dns p99=%dns\n",
		snap.TasksValid, snap.TasksInvalid, snap.AvgLatencyNs, snap.LatencyP99Ns)

	return runner.Join()
}
