package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/tsubotan1985/clads-llm-bridge/internal/adapters"
	"github.com/tsubotan1985/clads-llm-bridge/internal/catalog"
	"github.com/tsubotan1985/clads-llm-bridge/internal/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Probe timeouts.
const (
	// probeTimeout bounds one upstream health probe.
	probeTimeout = 10 * time.Second
	// writeTimeout bounds one status upsert.
	writeTimeout = 5 * time.Second
)

// Prober periodically probes every enabled upstream and rewrites its latest
// health row. The dashboard consumes the rows; the request path never does.
type Prober struct {
	db       *gorm.DB
	store    *catalog.Store
	registry *adapters.Registry
	client   *http.Client
	interval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewProber constructs a prober. A non-positive interval disables it.
func NewProber(db *gorm.DB, store *catalog.Store, registry *adapters.Registry, interval time.Duration) *Prober {
	return &Prober{
		db:       db,
		store:    store,
		registry: registry,
		client:   &http.Client{Timeout: probeTimeout},
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the probe loop when an interval is configured.
func (p *Prober) Start() {
	if p == nil {
		return
	}
	if p.interval <= 0 {
		close(p.done)
		return
	}
	log.Infof("health: prober started (interval=%s)", p.interval)
	go p.run()
}

// Stop terminates the probe loop.
func (p *Prober) Stop() {
	if p == nil {
		return
	}
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

// run executes probe sweeps until stopped.
func (p *Prober) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.sweep()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep probes every entry in the current snapshot.
func (p *Prober) sweep() {
	for _, entry := range p.store.Current().VisibleOn(catalog.EndpointSpecial) {
		p.probe(entry)
	}
	for _, entry := range p.store.Current().VisibleOn(catalog.EndpointGeneral) {
		if !entry.AvailableOnSpecial {
			p.probe(entry)
		}
	}
}

// probe runs one adapter health check and rewrites the status row.
func (p *Prober) probe(entry catalog.Entry) {
	adapter, errAdapter := p.registry.ForServiceType(entry.ServiceType)
	if errAdapter != nil {
		p.write(entry.ID, models.HealthStateNG, 0, 0, errAdapter.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	rtt, modelCount, errProbe := adapter.Health(ctx, p.client, entry)
	if errProbe != nil {
		p.write(entry.ID, models.HealthStateNG, rtt, 0, errProbe.Error())
		return
	}
	p.write(entry.ID, models.HealthStateOK, rtt, modelCount, "")
}

// write upserts the latest health row for a config.
func (p *Prober) write(configID uint64, state models.HealthState, rttMs int64, modelCount int, errMessage string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	row := models.HealthStatus{
		ConfigID:       configID,
		Status:         state,
		CheckedAt:      time.Now().UTC(),
		ResponseTimeMs: rttMs,
		ModelCount:     modelCount,
		ErrorMessage:   errMessage,
	}
	if errUpsert := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "config_id"}},
		UpdateAll: true,
	}).Create(&row).Error; errUpsert != nil {
		log.WithError(errUpsert).Warnf("health: failed to persist status for config %d", configID)
	}
}
