// Feature flags and default sizing for the scheduler and its runtime
// collaborator.
package envconfig

var (
	// FlashAttention enables the runtime collaborator's flash-attention path.
	// Configurable via SLOTD_FLASH_ATTENTION.
	FlashAttention = BoolWithDefault("SLOTD_FLASH_ATTENTION")

	// KvCacheType is the quantization type for the K/V cache (default f16).
	// Configurable via SLOTD_KV_CACHE_TYPE.
	KvCacheType = String("SLOTD_KV_CACHE_TYPE")

	// MultiUserCache optimizes prompt-prefix caching for multi-tenant
	// workloads. Configurable via SLOTD_MULTIUSER_CACHE.
	MultiUserCache = Bool("SLOTD_MULTIUSER_CACHE")

	// ContextLength is the default per-slot context window used when a
	// caller does not override n_ctx at construction. Configurable via
	// SLOTD_CONTEXT_LENGTH.
	ContextLength = Uint("SLOTD_CONTEXT_LENGTH", 4096)

	// NumSlots is the default execution slot pool size. Configurable via
	// SLOTD_NUM_PARALLEL.
	NumSlots = Uint("SLOTD_NUM_PARALLEL", 4)

	// MaxQueue bounds the number of requests waiting for a free slot before
	// admission starts rejecting new submissions. Configurable via
	// SLOTD_MAX_QUEUE.
	MaxQueue = Uint("SLOTD_MAX_QUEUE", 512)

	// GpuOverhead reserves VRAM per GPU, in bytes, ahead of model load.
	// Configurable via SLOTD_GPU_OVERHEAD.
	GpuOverhead = Uint64("SLOTD_GPU_OVERHEAD", 0)
)
