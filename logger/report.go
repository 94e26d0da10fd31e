package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net" //cloudwatch

	"github.com/aws/aws-sdk-go-v2/aws"                              //cloudwatch
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types" //cloudwatch
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsHub      int64
	errorsExchange int64
	warnsHub       int64
	warnsExchange  int64
	broadcastsSent int64
	exchangeReads  int64
	hubSessions    int64
	linkReconnects int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "hub") {
		atomic.AddInt64(&warnsHub, 1)
	} else if strings.Contains(component, "exchange") {
		atomic.AddInt64(&warnsExchange, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "hub") {
		atomic.AddInt64(&errorsHub, 1)
	} else if strings.Contains(component, "exchange") {
		atomic.AddInt64(&errorsExchange, 1)
	}
}

// IncrementBroadcast records one hub broadcast delivery attempt of the given size.
func IncrementBroadcast(size int) {
	atomic.AddInt64(&broadcastsSent, 1)
	recordChannel("hub_broadcast", size)
}

// IncrementExchangeRead records one raw frame received from the exchange stream.
func IncrementExchangeRead(size int) {
	atomic.AddInt64(&exchangeReads, 1)
	recordChannel("exchange_ws", size)
}

// SetHubSessions records the current number of registered hub sessions.
func SetHubSessions(n int) {
	atomic.StoreInt64(&hubSessions, int64(n))
}

// IncrementLinkReconnect records one scheduled exchange link reconnect attempt.
func IncrementLinkReconnect() {
	atomic.AddInt64(&linkReconnects, 1)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and channel statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_hub":      atomic.LoadInt64(&errorsHub),
		"errors_exchange": atomic.LoadInt64(&errorsExchange),
		"warns_hub":       atomic.LoadInt64(&warnsHub),
		"warns_exchange":  atomic.LoadInt64(&warnsExchange),
		"broadcasts":      atomic.LoadInt64(&broadcastsSent),
		"exchange_reads":  atomic.LoadInt64(&exchangeReads),
		"hub_sessions":    atomic.LoadInt64(&hubSessions),
		"link_reconnects": atomic.LoadInt64(&linkReconnects),
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     cpuPct,
		"memory_mb":       int64(memStats.Used) / 1024 / 1024,
		"disk_mb":         int64(diskStats.Used) / 1024 / 1024,
		"channels":        channelData,
		"net_bytes_sent":  int64(bytesSent),
		"net_bytes_recv":  int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsHub"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_hub"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsExchange"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_exchange"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsHub"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_hub"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsExchange"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_exchange"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Broadcasts"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["broadcasts"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ExchangeReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["exchange_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("HubSessions"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["hub_sessions"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("LinkReconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["link_reconnects"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
