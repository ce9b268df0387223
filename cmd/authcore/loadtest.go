package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/userstore"
)

var (
	ltSessions    int
	ltConcurrency int
	ltOps         int
	ltRedisAddr   string
)

type sessionState struct {
	sid     string
	refresh string
	mu      sync.Mutex
}

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Measure session validate and refresh throughput",
	Long: `Seeds sessions through the Manager and runs a validate phase and a refresh
phase against them. Uses REDIS_ADDR or --redis-addr when given, otherwise an
embedded miniredis.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if ltSessions <= 0 || ltConcurrency <= 0 || ltOps <= 0 {
			return errors.New("sessions, concurrency, and ops must be > 0")
		}
		ctx := cmd.Context()

		addr := ltRedisAddr
		if addr == "" {
			addr = os.Getenv("REDIS_ADDR")
		}
		var client redis.UniversalClient
		if addr == "" {
			mr, err := miniredis.Run()
			if err != nil {
				return fmt.Errorf("start miniredis: %w", err)
			}
			defer mr.Close()
			addr = mr.Addr()
			fmt.Printf("using miniredis at %s\n", addr)
		} else {
			fmt.Printf("using redis at %s\n", addr)
		}
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		defer func() { _ = client.Close() }()

		cfg := authcore.DefaultConfig()
		cfg.Environment = authcore.EnvTest
		cfg.Token.Secret = []byte("loadtest-signing-key-0123456789abcdef")
		cfg.RateLimit.Enabled = false
		cfg.Audit.Enabled = false

		users := userstore.NewMemory()
		if err := users.Create(ctx, &authcore.User{
			ID:           "u1",
			ActorClass:   authcore.ActorUser,
			Email:        "load@example.com",
			PasswordHash: "unused",
			IsActive:     true,
		}); err != nil {
			return err
		}

		m, err := authcore.New().WithConfig(cfg).WithRedis(client).WithUserStore(users).Build()
		if err != nil {
			return err
		}
		defer m.Close()

		states := make([]sessionState, ltSessions)
		fmt.Printf("seeding %d sessions...\n", ltSessions)
		startSeed := time.Now()
		for i := range states {
			tok, err := m.CreateSession(ctx, authcore.ActorUser, "u1", authcore.RequestInfo{IP: "127.0.0.1", UserAgent: "loadtest"}, true)
			if err != nil {
				return fmt.Errorf("create session: %w", err)
			}
			states[i].sid = tok.SessionID
			states[i].refresh = tok.RefreshToken
		}
		fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

		validateStats := runPhase(ltOps, ltConcurrency, 7919, func(r *rand.Rand) error {
			st := &states[r.Intn(len(states))]
			_, err := m.Authenticate(ctx, authcore.Credentials{SessionID: st.sid})
			return err
		})
		refreshStats := runPhase(ltOps, ltConcurrency, 6151, func(r *rand.Rand) error {
			return rotate(ctx, m, &states[r.Intn(len(states))])
		})

		fmt.Println("---- results ----")
		printStats("validate", validateStats)
		printStats("refresh", refreshStats)
		return nil
	},
}

func rotate(ctx context.Context, m *authcore.Manager, st *sessionState) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	tok, err := m.RefreshSession(ctx, authcore.ActorUser, st.refresh, authcore.RequestInfo{})
	if err != nil {
		return err
	}
	st.refresh = tok.RefreshToken
	return nil
}

// runPhase runs op ops times across concurrency workers and collects
// per-call latency.
func runPhase(ops, concurrency int, seed int64, op func(*rand.Rand) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*seed))
			for {
				if int(atomic.AddInt64(&cursor, 1)) > ops {
					return
				}
				t0 := time.Now()
				err := op(r)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	return samples[(len(samples)-1)*p/100]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}

func init() {
	rootCmd.AddCommand(loadtestCmd)
	f := loadtestCmd.Flags()
	f.IntVar(&ltSessions, "sessions", 10000, "number of sessions to seed")
	f.IntVar(&ltConcurrency, "concurrency", 64, "number of concurrent workers")
	f.IntVar(&ltOps, "ops", 50000, "operations per phase")
	f.StringVar(&ltRedisAddr, "redis-addr", "", "redis address; REDIS_ADDR or miniredis when empty")
}
