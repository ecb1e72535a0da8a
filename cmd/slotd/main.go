// Command slotd loads a model and projector and runs the continuous-batching
// scheduler behind the optional debug HTTP surface.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/slotforge/slotd/core"
	"github.com/slotforge/slotd/envconfig"
	"github.com/slotforge/slotd/llama"
	"github.com/slotforge/slotd/logutil"
	"github.com/slotforge/slotd/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "slotd",
		Short:         "Multi-tenant text-generation serving core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var modelPath, projectorPath, kvCacheType string
	var numGpuLayers, numThreads, numCtx, numBatch, numKeep, numSlots, maxQueue int
	var useMmap, flashAttention bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load a model and start serving",
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))

			llama.BackendInit()

			fa := llama.FlashAttentionAuto
			if flashAttention {
				fa = llama.FlashAttentionEnabled
			}

			h, err := core.NewHandle(core.HandleConfig{
				ModelPath:      modelPath,
				ProjectorPath:  projectorPath,
				NumGpuLayers:   numGpuLayers,
				NumThreads:     numThreads,
				UseMmap:        useMmap,
				NumCtx:         numCtx,
				NumBatch:       numBatch,
				NumKeep:        numKeep,
				NumSlots:       numSlots,
				FlashAttention: fa,
				KvCacheType:    kvCacheType,
			}, maxQueue)
			if err != nil {
				return err
			}

			ln, err := net.Listen("tcp", envconfig.Host().Host)
			if err != nil {
				return err
			}

			srv := server.New(h, ln)

			errCh := make(chan error, 2)
			go func() {
				errCh <- h.Run()
			}()
			go func() {
				errCh <- http.Serve(ln, srv.Routes())
			}()

			err = <-errCh
			h.Stop()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&modelPath, "model", "", "path to the GGUF model file")
	cmd.Flags().StringVar(&projectorPath, "projector", "", "path to an mmproj file (enables multimodal tokenization)")
	cmd.Flags().IntVar(&numGpuLayers, "n-gpu-layers", 0, "number of layers to offload")
	cmd.Flags().IntVar(&numThreads, "threads", 4, "CPU threads for decode")
	cmd.Flags().BoolVar(&useMmap, "mmap", true, "memory-map the model file")
	cmd.Flags().IntVar(&numCtx, "ctx-size", int(envconfig.ContextLength()), "context length shared across slots")
	cmd.Flags().IntVar(&numBatch, "batch-size", 512, "micro-batch size per tick")
	cmd.Flags().IntVar(&numKeep, "keep", 4, "tokens kept at the prompt prefix across a context shift")
	cmd.Flags().IntVar(&numSlots, "parallel", int(envconfig.NumSlots()), "number of parallel execution slots")
	cmd.Flags().IntVar(&maxQueue, "max-queue", int(envconfig.MaxQueue()), "maximum pending admission queue length")
	cmd.Flags().StringVar(&kvCacheType, "kv-cache-type", "", "KV cache quantization (f16, q8_0, q4_0)")
	cmd.Flags().BoolVar(&flashAttention, "flash-attention", envconfig.FlashAttention(false), "enable flash attention")
	cmd.MarkFlagRequired("model")

	return cmd
}
