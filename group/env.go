package group

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/rocketbitz/commbench-go/mem"
	"github.com/rocketbitz/commbench-go/transport/device"
	"github.com/rocketbitz/commbench-go/transport/msg"
	"github.com/rocketbitz/commbench-go/transport/shm"
)

// Environment variables read by LoadEnv.
const (
	EnvRank       = "COMMBENCH_RANK"
	EnvSize       = "COMMBENCH_SIZE"
	EnvPrintRank  = "COMMBENCH_PRINT_RANK"
	EnvGroup      = "COMMBENCH_GROUP"
	EnvPeers      = "COMMBENCH_PEERS"
	EnvSegmentDir = "COMMBENCH_SHM_DIR"
)

// EnvConfig describes a multi-process group member.
type EnvConfig struct {
	Rank      int
	Size      int
	PrintRank int
	// Group names the shared-memory namespace. Required when Size > 1.
	Group string
	// Peers lists a host:port per rank. Without peers the messaging backend
	// and collectives are unavailable.
	Peers      []string
	SegmentDir string
}

// LoadEnv reads EnvConfig from the process environment. A missing rank and
// size describe a single-rank group.
func LoadEnv() (EnvConfig, error) {
	cfg := EnvConfig{Size: 1}
	var err error
	if cfg.Rank, err = envInt(EnvRank, 0); err != nil {
		return cfg, err
	}
	if cfg.Size, err = envInt(EnvSize, 1); err != nil {
		return cfg, err
	}
	if cfg.PrintRank, err = envInt(EnvPrintRank, 0); err != nil {
		return cfg, err
	}
	cfg.Group = os.Getenv(EnvGroup)
	cfg.SegmentDir = os.Getenv(EnvSegmentDir)
	if peers := strings.TrimSpace(os.Getenv(EnvPeers)); peers != "" {
		for _, p := range strings.Split(peers, ",") {
			cfg.Peers = append(cfg.Peers, strings.TrimSpace(p))
		}
	}
	return cfg, nil
}

func envInt(key string, def int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrNotInitialized, key, raw, err)
	}
	return v, nil
}

// FromEnv bootstraps this process's group context from the environment.
func FromEnv(ctx context.Context) (*Context, error) {
	cfg, err := LoadEnv()
	if err != nil {
		return nil, err
	}
	return Bootstrap(ctx, cfg)
}

// Bootstrap brings up shared memory, an emulated device and, when peers are
// listed, a TCP messenger for one rank of a multi-process group.
func Bootstrap(ctx context.Context, cfg EnvConfig) (*Context, error) {
	if cfg.Size <= 0 || cfg.Rank < 0 || cfg.Rank >= cfg.Size {
		return nil, fmt.Errorf("%w: rank %d of %d", ErrNotInitialized, cfg.Rank, cfg.Size)
	}
	if cfg.Group == "" {
		if cfg.Size > 1 {
			return nil, fmt.Errorf("%w: %s must be set for multi-rank groups", ErrNotInitialized, EnvGroup)
		}
		cfg.Group = uuid.NewString()
	}
	if len(cfg.Peers) > 0 && len(cfg.Peers) != cfg.Size {
		return nil, fmt.Errorf("%w: %d peers for %d ranks", ErrNotInitialized, len(cfg.Peers), cfg.Size)
	}

	alloc, err := mem.NewShmAllocator(cfg.SegmentDir, cfg.Group, cfg.Rank)
	if err != nil {
		return nil, err
	}
	drv, err := shm.NewFileDriver(shm.FileConfig{Dir: cfg.SegmentDir, Group: cfg.Group, Rank: cfg.Rank, Size: cfg.Size})
	if err != nil {
		return nil, err
	}
	opts := []Option{
		WithName(cfg.Group),
		WithPrintRank(cfg.PrintRank),
		WithAllocator(alloc),
		WithSharedMemory(drv),
		WithDevice(device.NewHostDevice(cfg.Rank, drv)),
		withCloser(func() error {
			alloc.Close()
			return nil
		}),
	}
	if len(cfg.Peers) > 0 {
		m, err := msg.Dial(ctx, msg.TCPConfig{Rank: cfg.Rank, Peers: cfg.Peers})
		if err != nil {
			_ = drv.Close()
			return nil, fmt.Errorf("%w: %v", ErrNotInitialized, err)
		}
		opts = append(opts, WithMessenger(m))
	}
	return New(cfg.Rank, cfg.Size, opts...)
}
