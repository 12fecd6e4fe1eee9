// Package metrics exposes prometheus collectors for the mesh node and an
// optional /metrics HTTP endpoint.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"meshd/queue"
	"meshd/routing"
	"meshd/topology"
	"meshd/utils"
)

// Collectors bundles the node's metrics.
type Collectors struct {
	SessionsActive   prometheus.Gauge
	FramesIn         prometheus.Counter
	FramesOut        prometheus.Counter
	BytesIn          prometheus.Counter
	BytesOut         prometheus.Counter
	MessagesByStatus *prometheus.GaugeVec
	RetriesTotal     prometheus.Counter
	RoutesTotal      prometheus.Gauge
	TopologyNodes    prometheus.Gauge
	RoutingEpoch     prometheus.Gauge

	registry *prometheus.Registry
}

// New registers the collectors on a private registry.
func New(nodeID uint64) *Collectors {
	labels := prometheus.Labels{"node_id": nodeIDLabel(nodeID)}
	c := &Collectors{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshd_sessions_active", Help: "Connected peer sessions.", ConstLabels: labels,
		}),
		FramesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshd_frames_in_total", Help: "Frames received.", ConstLabels: labels,
		}),
		FramesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshd_frames_out_total", Help: "Frames sent.", ConstLabels: labels,
		}),
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshd_bytes_in_total", Help: "Bytes received.", ConstLabels: labels,
		}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshd_bytes_out_total", Help: "Bytes sent.", ConstLabels: labels,
		}),
		MessagesByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshd_messages_by_status", Help: "Tracked messages by status.", ConstLabels: labels,
		}, []string{"status"}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshd_message_retries_total", Help: "Message retry attempts.", ConstLabels: labels,
		}),
		RoutesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshd_routes_total", Help: "Destinations in the routing table.", ConstLabels: labels,
		}),
		TopologyNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshd_topology_nodes", Help: "Known link-state records.", ConstLabels: labels,
		}),
		RoutingEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshd_routing_epoch", Help: "Routing table epoch.", ConstLabels: labels,
		}),
		registry: prometheus.NewRegistry(),
	}
	c.registry.MustRegister(
		c.SessionsActive, c.FramesIn, c.FramesOut, c.BytesIn, c.BytesOut,
		c.MessagesByStatus, c.RetriesTotal, c.RoutesTotal, c.TopologyNodes,
		c.RoutingEpoch,
	)
	return c
}

func nodeIDLabel(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// RunCollection samples the tracker, routing table, and topology database
// on an interval until the context ends.
func (c *Collectors) RunCollection(ctx context.Context, tracker *queue.Tracker, table *routing.Table, topo *topology.Database, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ts := tracker.GetStats()
			c.MessagesByStatus.WithLabelValues(queue.StatusQueued.String()).Set(float64(ts.Queued))
			c.MessagesByStatus.WithLabelValues(queue.StatusPendingNode.String()).Set(float64(ts.PendingNode))
			c.MessagesByStatus.WithLabelValues(queue.StatusPendingClient.String()).Set(float64(ts.PendingClient))
			c.MessagesByStatus.WithLabelValues(queue.StatusDelivered.String()).Set(float64(ts.Delivered))
			c.MessagesByStatus.WithLabelValues(queue.StatusWaitingForClientAck.String()).Set(float64(ts.WaitingForAck))
			c.MessagesByStatus.WithLabelValues(queue.StatusAckSuccess.String()).Set(float64(ts.AckSuccess))
			c.MessagesByStatus.WithLabelValues(queue.StatusAckFailure.String()).Set(float64(ts.AckFailure))
			c.MessagesByStatus.WithLabelValues(queue.StatusUndeliverable.String()).Set(float64(ts.Undeliverable))

			rs := table.GetStats()
			c.RoutesTotal.Set(float64(rs.TotalRoutes))
			c.RoutingEpoch.Set(float64(table.Epoch()))
			c.TopologyNodes.Set(float64(topo.GetStats().TotalNodes))
		}
	}
}

// Serve exposes /metrics on addr until the context ends.
func (c *Collectors) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	utils.Logger.Info("metrics endpoint listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
