package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"eventchat/internal/chatclient"
	"eventchat/internal/service"
	"eventchat/pkg/channel"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// -------------------- 进程监控 --------------------

type SystemStats struct {
	Timestamp  time.Time
	HeapAlloc  uint64
	HeapSys    uint64
	Goroutines int
	NumGC      uint32
}

type Monitor struct {
	mu       sync.Mutex
	stats    []SystemStats
	interval time.Duration
	stopChan chan struct{}
	done     chan struct{}
}

func NewMonitor(interval time.Duration) *Monitor {
	return &Monitor{
		stats:    make([]SystemStats, 0, 512),
		interval: interval,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (m *Monitor) collectStats() SystemStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s := SystemStats{
		Timestamp:  time.Now(),
		HeapAlloc:  ms.HeapAlloc,
		HeapSys:    ms.HeapSys,
		Goroutines: runtime.NumGoroutine(),
		NumGC:      ms.NumGC,
	}
	m.mu.Lock()
	m.stats = append(m.stats, s)
	m.mu.Unlock()
	return s
}

func (m *Monitor) Start(verbose bool) {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s := m.collectStats()
				if verbose {
					fmt.Printf("[%s] 堆: %.1fMB/%.1fMB | Goroutines: %d | GC: %d\n",
						s.Timestamp.Format("15:04:05"),
						float64(s.HeapAlloc)/1024/1024, float64(s.HeapSys)/1024/1024,
						s.Goroutines, s.NumGC,
					)
				}
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *Monitor) Stop() {
	close(m.stopChan)
	<-m.done
}

func (m *Monitor) SaveToFile(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	_, _ = f.WriteString("Timestamp,HeapAlloc,HeapSys,Goroutines,NumGC\n")
	for _, s := range m.stats {
		_, _ = fmt.Fprintf(f, "%s,%d,%d,%d,%d\n",
			s.Timestamp.Format("2006-01-02 15:04:05"), s.HeapAlloc, s.HeapSys, s.Goroutines, s.NumGC)
	}
	return nil
}

// -------------------- 延迟统计 --------------------

type LatencyStats struct {
	mu        sync.Mutex
	Total     int
	Failed    int
	Degraded  int // 已落库但实时通道不可用
	latencies []time.Duration
	errors    map[string]int
}

func NewLatencyStats() *LatencyStats {
	return &LatencyStats{errors: make(map[string]int)}
}

func (s *LatencyStats) Add(latency time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Total++
	if err != nil {
		s.Failed++
		s.errors[err.Error()]++
		return
	}
	s.latencies = append(s.latencies, latency)
}

func (s *LatencyStats) MarkDegraded() {
	s.mu.Lock()
	s.Degraded++
	s.mu.Unlock()
}

func (s *LatencyStats) Print(title string, took time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Printf("\n=== %s ===\n", title)
	ok := len(s.latencies)
	fmt.Printf("总数: %d 成功: %d 失败: %d", s.Total, ok, s.Failed)
	if s.Degraded > 0 {
		fmt.Printf(" 实时通道不可用: %d", s.Degraded)
	}
	fmt.Println()
	if ok > 0 {
		sorted := append([]time.Duration(nil), s.latencies...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		var sum time.Duration
		for _, d := range sorted {
			sum += d
		}
		fmt.Printf("延迟 平均: %v p50: %v p95: %v p99: %v 最大: %v\n",
			sum/time.Duration(ok), percentile(sorted, 50), percentile(sorted, 95), percentile(sorted, 99), sorted[ok-1])
		if took > 0 {
			fmt.Printf("吞吐: %.2f msg/s\n", float64(ok)/took.Seconds())
		}
	}
	for msg, n := range s.errors {
		fmt.Printf("  错误 x%d: %s\n", n, msg)
	}
}

func percentile(sorted []time.Duration, p int) time.Duration {
	idx := (len(sorted)*p + 99) / 100
	if idx < 1 {
		idx = 1
	}
	return sorted[idx-1]
}

// -------------------- 命令 --------------------

type benchConfig struct {
	Host             string
	Sender           string
	SenderPassword   string
	Receiver         string
	ReceiverPassword string
	EventID          uint
	Workers          int
	Messages         int
	RPS              int
	MonitorInterval  time.Duration
	CSV              string
}

var cfg benchConfig

var rootCmd = &cobra.Command{
	Use:   "bench",
	Short: "活动群聊发送压测",
	Long: `以指定用户登录，向活动群聊并发发送消息并统计发送延迟。
指定 --receiver 时，接收方通过实时会话订阅同一频道，统计端到端投递延迟。`,
	RunE: runBench,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "打印进程监控")

	f := rootCmd.Flags()
	f.StringVar(&cfg.Host, "host", envOr("CHAT_BENCH_HOST", "http://localhost:8080"), "服务地址")
	f.StringVar(&cfg.Sender, "user", envOr("CHAT_BENCH_USER", ""), "发送方用户名或邮箱")
	f.StringVar(&cfg.SenderPassword, "password", envOr("CHAT_BENCH_PASSWORD", ""), "发送方密码")
	f.StringVar(&cfg.Receiver, "receiver", "", "接收方用户名或邮箱，为空则不统计投递延迟")
	f.StringVar(&cfg.ReceiverPassword, "receiver-password", "", "接收方密码")
	f.UintVar(&cfg.EventID, "event", 1, "活动ID")
	f.IntVar(&cfg.Workers, "workers", 5, "并发协程数")
	f.IntVar(&cfg.Messages, "messages", 10, "每协程发送条数")
	f.IntVar(&cfg.RPS, "rps", 50, "总发送速率上限，0 表示不限")
	f.DurationVar(&cfg.MonitorInterval, "monitor-interval", time.Second, "进程监控采样间隔")
	f.StringVar(&cfg.CSV, "csv", "bench_monitor.csv", "监控数据输出文件，为空则不保存")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func runBench(cmd *cobra.Command, _ []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	if cfg.Sender == "" || cfg.SenderPassword == "" {
		return fmt.Errorf("--user and --password are required")
	}
	if cfg.Workers < 1 || cfg.Messages < 1 {
		return fmt.Errorf("--workers and --messages must be positive")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	token, err := chatclient.Login(ctx, cfg.Host, cfg.Sender, cfg.SenderPassword, nil)
	if err != nil {
		return fmt.Errorf("login %s: %w", cfg.Sender, err)
	}
	sender := chatclient.NewHTTPClient(cfg.Host, token, nil)

	fmt.Println("=== 活动群聊压测 ===")
	fmt.Printf("开始时间: %s\n", time.Now().Format("2006-01-02 15:04:05"))
	fmt.Printf("目标: %s 活动: %d 并发: %d 每协程: %d 速率上限: %d/s\n",
		cfg.Host, cfg.EventID, cfg.Workers, cfg.Messages, cfg.RPS)

	var delivery *LatencyStats
	if cfg.Receiver != "" {
		session, stats, err := openReceiver(ctx)
		if err != nil {
			return err
		}
		defer session.Close()
		delivery = stats
	}

	mon := NewMonitor(cfg.MonitorInterval)
	mon.Start(verbose)

	sends := NewLatencyStats()
	took := runSenders(ctx, sender, sends)

	if delivery != nil {
		waitDelivered(ctx, delivery, sends)
	}
	mon.Stop()

	sends.Print("发送结果", took)
	if delivery != nil {
		delivery.Print("实时投递结果", 0)
	}
	if cfg.CSV != "" {
		if err := mon.SaveToFile(cfg.CSV); err != nil {
			fmt.Println("保存监控数据失败:", err)
		} else {
			fmt.Println("监控数据已保存:", cfg.CSV)
		}
	}
	return nil
}

// runSenders 按速率上限并发发送，返回总耗时
func runSenders(ctx context.Context, sender *chatclient.HTTPClient, stats *LatencyStats) time.Duration {
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	limiter := rate.NewLimiter(limit, cfg.Workers)

	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for w := 0; w < cfg.Workers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < cfg.Messages; i++ {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
				content := fmt.Sprintf("bench %d %d-%d", time.Now().UnixNano(), w, i)
				begin := time.Now()
				res, err := sender.SendGroupMessage(gctx, cfg.EventID, service.SendInput{Content: content})
				stats.Add(time.Since(begin), err)
				if err == nil && res.TransportUnavailable {
					stats.MarkDegraded()
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return time.Since(start)
}

// openReceiver 以接收方身份打开频道会话，按消息内容中的发送时间统计投递延迟
func openReceiver(ctx context.Context) (*chatclient.Session, *LatencyStats, error) {
	token, err := chatclient.Login(ctx, cfg.Host, cfg.Receiver, cfg.ReceiverPassword, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("login %s: %w", cfg.Receiver, err)
	}
	api := chatclient.NewHTTPClient(cfg.Host, token, nil)
	me, err := api.Profile(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("receiver profile: %w", err)
	}

	stats := NewLatencyStats()
	hooks := chatclient.Hooks{
		OnNotify: func(e chatclient.Entry) {
			if sentAt, ok := parseBenchContent(e.Content); ok {
				stats.Add(time.Since(sentAt), nil)
			}
		},
		OnError: func(err error) { fmt.Println("接收方错误:", err) },
	}
	session, err := chatclient.Open(ctx, api, chatclient.WSTransport(wsURL(cfg.Host)), chatclient.Config{
		Channel: channel.EventKey(cfg.EventID),
		UserID:  me.ID,
	}, hooks)
	if err != nil {
		return nil, nil, fmt.Errorf("open receiver session: %w", err)
	}
	return session, stats, nil
}

// waitDelivered 等待接收方收齐已成功发送的消息，最多等待5秒
func waitDelivered(ctx context.Context, delivery, sends *LatencyStats) {
	sends.mu.Lock()
	want := len(sends.latencies) - sends.Degraded
	sends.mu.Unlock()

	deadline := time.NewTimer(5 * time.Second)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		delivery.mu.Lock()
		got := delivery.Total
		delivery.mu.Unlock()
		if got >= want {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			fmt.Printf("投递等待超时: 收到 %d/%d\n", got, want)
			return
		case <-ticker.C:
		}
	}
}

func parseBenchContent(content string) (time.Time, bool) {
	fields := strings.Fields(content)
	if len(fields) < 2 || fields[0] != "bench" {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}

func wsURL(host string) string {
	switch {
	case strings.HasPrefix(host, "https://"):
		return "wss://" + strings.TrimPrefix(host, "https://") + "/ws"
	case strings.HasPrefix(host, "http://"):
		return "ws://" + strings.TrimPrefix(host, "http://") + "/ws"
	}
	return host + "/ws"
}
