// Package daemon implements the long-running device tracker.
//
// The daemon periodically sweeps the local network for devices, keeps a
// persistent inventory in SQLite, and enriches each discovered device with
// its label, hardware version and firmware over a pooled connection.
package daemon

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/beamlab/lanbeam/config"
	"github.com/beamlab/lanbeam/db"
	"github.com/beamlab/lanbeam/device"
	"github.com/beamlab/lanbeam/discovery"
	"github.com/beamlab/lanbeam/protocol"
	"github.com/beamlab/lanbeam/registry"
)

// State table keys.
const (
	instanceIDKey = "instance_id"
	lastSweepKey  = "last_sweep"
)

// Service is the device tracking daemon.
type Service struct {
	cfg      *config.Config
	logger   logrus.FieldLogger
	database *db.Database
	registry *registry.Registry

	pool       *device.Pool
	discoverer *discovery.Discoverer

	instanceID string
	startTime  time.Time

	running   bool
	mu        sync.Mutex
	ctx       context.Context
	cancelCtx context.CancelFunc
	wg        sync.WaitGroup
}

// New creates the daemon service. The database must be initialized with its
// schema applied.
func New(cfg *config.Config, database *db.Database, logger logrus.FieldLogger) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if database == nil {
		return nil, fmt.Errorf("daemon: database required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var (
		reg *registry.Registry
		err error
	)
	if cfg.ProductsFile != "" {
		reg, err = registry.LoadFile(cfg.ProductsFile)
	} else {
		reg, err = registry.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("daemon: load product table: %w", err)
	}
	logger.WithField("products", reg.Len()).Debug("product table loaded")

	s := &Service{
		cfg:      cfg,
		logger:   logger,
		database: database,
		registry: reg,
	}
	s.ctx, s.cancelCtx = context.WithCancel(context.Background())

	if err := s.loadInstanceID(); err != nil {
		return nil, err
	}

	s.pool = device.NewPool(cfg.PoolSize, func(identity protocol.Identity, addr *net.UDPAddr) (*device.Conn, error) {
		return device.Dial(device.Config{
			Identity:        identity,
			Addr:            addr,
			RequestTimeout:  cfg.RequestTimeout.Std(),
			Retries:         cfg.Retries,
			RetryDelay:      cfg.RetryDelay.Std(),
			MaxDatagramSize: cfg.MaxDatagramSize,
			Logger:          logger,
		})
	}, logger)

	s.discoverer = discovery.NewDiscoverer(discovery.Config{
		BroadcastAddr:   cfg.BroadcastAddr,
		Timeout:         cfg.Discovery.Timeout.Std(),
		IdleTimeout:     cfg.Discovery.IdleTimeout.Std(),
		MaxDatagramSize: cfg.MaxDatagramSize,
		RateLimitPerIP:  cfg.Discovery.RateLimitPerIP,
		Logger:          logger,
	})

	return s, nil
}

// loadInstanceID reads the persistent instance id from the state table,
// generating and storing a fresh one on first run.
func (s *Service) loadInstanceID() error {
	stored, err := s.database.GetState(instanceIDKey)
	if err != nil {
		return fmt.Errorf("daemon: load instance id: %w", err)
	}

	if len(stored) > 0 {
		if id, err := uuid.ParseBytes(stored); err == nil {
			s.instanceID = id.String()
			return nil
		}
		s.logger.Warn("stored instance id invalid, regenerating")
	}

	id := uuid.New().String()
	if err := s.database.SetState(nil, instanceIDKey, []byte(id)); err != nil {
		return fmt.Errorf("daemon: store instance id: %w", err)
	}

	s.instanceID = id
	return nil
}

// InstanceID returns the daemon's persistent instance id.
func (s *Service) InstanceID() string {
	return s.instanceID
}

// Pool returns the daemon's connection pool.
func (s *Service) Pool() *device.Pool {
	return s.pool
}

// Discoverer returns the daemon's discoverer.
func (s *Service) Discoverer() *discovery.Discoverer {
	return s.discoverer
}

// Start begins periodic discovery sweeps.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("daemon: already running")
	}
	s.running = true
	s.startTime = time.Now()

	s.wg.Add(1)
	go s.sweepLoop()

	s.logger.WithFields(logrus.Fields{
		"instance": s.instanceID,
		"interval": s.cfg.Discovery.Interval.Std(),
	}).Info("daemon started")

	return nil
}

// Stop ends the sweep loop and tears down the connection pool.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("daemon: not running")
	}
	s.running = false
	s.mu.Unlock()

	s.cancelCtx()
	s.wg.Wait()

	if err := s.pool.Close(); err != nil {
		s.logger.WithError(err).Warn("error closing connection pool")
	}

	s.logger.Info("daemon stopped")
	return nil
}

// sweepLoop runs one sweep immediately, then one per configured interval.
func (s *Service) sweepLoop() {
	defer s.wg.Done()

	s.sweep()

	ticker := time.NewTicker(s.cfg.Discovery.Interval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.ctx.Done():
			return
		}
	}
}

// sweep runs one discovery pass and enriches every device it finds.
func (s *Service) sweep() {
	started := time.Now()

	found, err := s.discoverer.Discover(s.ctx)
	if err != nil {
		s.logger.WithError(err).Error("discovery sweep failed")
		return
	}

	count := 0
	for dev := range found {
		count++

		now := time.Now().Unix()
		if err := s.database.UpsertDevice(&db.Device{
			Identity:  dev.Identity.String(),
			Address:   dev.Addr.IP.String(),
			Port:      dev.Port,
			FirstSeen: now,
			LastSeen:  now,
		}); err != nil {
			s.logger.WithError(err).WithField("device", dev.Identity.String()).Error("failed to store device")
			continue
		}

		s.enrich(dev)
	}

	if err := s.database.SetState(nil, lastSweepKey, []byte(started.UTC().Format(time.RFC3339))); err != nil {
		s.logger.WithError(err).Warn("failed to record sweep time")
	}

	s.logger.WithFields(logrus.Fields{
		"found":    count,
		"duration": time.Since(started).Round(time.Millisecond),
	}).Info("discovery sweep complete")
}

// enrich queries one device for its label, hardware version and firmware
// and stores the results. Enrichment failures are logged and skipped; the
// device stays in the inventory with whatever it reported so far.
func (s *Service) enrich(dev discovery.DiscoveredDevice) {
	log := s.logger.WithField("device", dev.Identity.String())

	addr := &net.UDPAddr{IP: dev.Addr.IP, Port: int(dev.Port)}
	conn, err := s.pool.GetOrCreate(dev.Identity, addr)
	if err != nil {
		log.WithError(err).Warn("failed to connect for enrichment")
		return
	}

	var label string
	if res, err := conn.Request(s.ctx, &protocol.GetLabel{}); err != nil {
		log.WithError(err).Debug("label query failed")
	} else if state, ok := res.(*protocol.StateLabel); ok {
		label = state.Label
	}

	var (
		vendor, product uint32
		productName     string
	)
	if res, err := conn.Request(s.ctx, &protocol.GetVersion{}); err != nil {
		log.WithError(err).Debug("version query failed")
	} else if state, ok := res.(*protocol.StateVersion); ok {
		vendor = state.Vendor
		product = state.Product
		if p, known := s.registry.Lookup(vendor, product); known {
			productName = p.Name
		}
	}

	var firmware string
	if res, err := conn.Request(s.ctx, &protocol.GetHostFirmware{}); err != nil {
		log.WithError(err).Debug("firmware query failed")
	} else if state, ok := res.(*protocol.StateHostFirmware); ok {
		firmware = fmt.Sprintf("%d.%d", state.VersionMajor, state.VersionMinor)
	}

	if err := s.database.UpdateDeviceDetails(dev.Identity.String(), label, vendor, product, productName, firmware); err != nil {
		log.WithError(err).Error("failed to store device details")
		return
	}

	log.WithFields(logrus.Fields{
		"label":    label,
		"product":  productName,
		"firmware": firmware,
	}).Debug("device enriched")
}
