package node

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"path/filepath"
	"time"

	"bidmesh.com/internal/dispatch"
	"bidmesh.com/internal/escrow"
	"bidmesh.com/internal/inbound"
	"bidmesh.com/internal/listing"
	"bidmesh.com/internal/notify"
	"bidmesh.com/internal/protocol"
	"bidmesh.com/internal/store"
	"bidmesh.com/internal/transport"
	"bidmesh.com/internal/validator"
	"bidmesh.com/pkg/logger"
	"bidmesh.com/pkg/metrics"
	"bidmesh.com/pkg/orm"
	"bidmesh.com/pkg/safe"
	"bidmesh.com/pkg/xredis"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Node wires one marketplace peer: transport in, processor, dispatcher out.
type Node struct {
	cfg    *Config
	signer protocol.Signer

	store    store.Store
	sqlDB    *sql.DB
	rdb      *redis.Client
	listings listing.Registry

	tr         transport.Transport
	dispatcher *dispatch.Dispatcher
	outbox     *dispatch.Outbox
	publisher  *dispatch.Publisher

	custody escrow.Custody
	escrow  *escrow.Handler
	proc    *inbound.Processor
	shards  shards
	lock    *xredis.MasterLock
}

type Option func(*Node)

// WithTransport replaces the NATS transport, e.g. with a transport.MemNetwork peer.
func WithTransport(t transport.Transport) Option { return func(n *Node) { n.tr = t } }

// WithListings shares a registry between nodes.
func WithListings(r listing.Registry) Option { return func(n *Node) { n.listings = r } }

func WithCustody(c escrow.Custody) Option { return func(n *Node) { n.custody = c } }

func WithSigner(s protocol.Signer) Option { return func(n *Node) { n.signer = s } }

func New(ctx context.Context, cfg *Config, opts ...Option) (n *Node, err error) {
	n = &Node{cfg: cfg}
	for _, o := range opts {
		o(n)
	}
	defer func() {
		if err != nil {
			_ = n.Close()
		}
	}()

	if n.signer == nil {
		if n.signer, err = loadSigner(cfg); err != nil {
			return nil, err
		}
	}
	self := n.signer.Identity()
	metrics.MustRegister()

	if cfg.redisEnabled() {
		if n.rdb, err = xredis.NewRedis(ctx, cfg.Redis); err != nil {
			return nil, fmt.Errorf("init redis: %w", err)
		}
		n.lock = xredis.NewMasterLock(n.rdb, fmt.Sprintf("bidmesh:sweeper:%s", self))
	}
	if n.store, err = n.openStore(ctx); err != nil {
		return nil, err
	}
	if n.listings == nil {
		if cfg.Listing.Backend == "redis" {
			n.listings = listing.NewRedisRegistry(n.rdb, cfg.Listing.Prefix)
		} else {
			n.listings = listing.NewMemRegistry()
		}
	}
	if err = n.seedListings(ctx, self); err != nil {
		return nil, err
	}

	var notifier notify.Notifier = notify.LogNotifier{}
	if n.tr == nil {
		nt, err := transport.NewNatsTransport(self, cfg.Nats)
		if err != nil {
			return nil, err
		}
		n.tr = nt
		if cfg.Notify.Nats {
			notifier = notify.Multi{notifier, notify.NewNatsNotifier(nt.Conn(), cfg.Nats.Prefix)}
		}
	}

	n.dispatcher = dispatch.NewDispatcher(n.tr, cfg.Dispatch)
	var out dispatch.Outbound = dispatch.Direct{D: n.dispatcher}
	if cfg.Outbox.Enabled {
		if n.outbox, err = dispatch.OpenOutbox(filepath.Join(cfg.DataDir, "outbox")); err != nil {
			return nil, fmt.Errorf("open outbox: %w", err)
		}
		n.publisher = dispatch.NewPublisher(n.outbox, n.dispatcher, cfg.Outbox.Publisher)
		out = n.outbox
	}

	policy, err := validator.NewPolicy(cfg.Policy.Signers)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	if n.custody == nil {
		if n.custody, err = n.openCustody(ctx, self); err != nil {
			return nil, err
		}
	}
	n.escrow = escrow.NewHandler(self, n.store, n.custody, policy)
	n.proc = inbound.New(cfg.Inbound, inbound.Deps{
		Signer:    n.signer,
		Store:     n.store,
		Validator: validator.New(n.listings, policy),
		Listings:  n.listings,
		Outbound:  out,
		Notifier:  notifier,
		Escrow:    n.escrow,
	})
	n.shards = newShards(n.proc, cfg.Shards)

	logger.Info(ctx, "node ready",
		zap.String("identity", string(self)),
		zap.String("store", cfg.Store.Driver),
		zap.String("listing", cfg.Listing.Backend),
		zap.String("custody", cfg.Custody.Backend),
		zap.Bool("outbox", cfg.Outbox.Enabled),
	)
	return n, nil
}

func loadSigner(cfg *Config) (protocol.Signer, error) {
	if cfg.Identity.KeyHex != "" {
		return protocol.ParseKeySigner(cfg.Identity.KeyHex)
	}
	return protocol.LoadKeySigner(cfg.Identity.KeyFile)
}

func (n *Node) openStore(ctx context.Context) (store.Store, error) {
	c := n.cfg.Store
	switch c.Driver {
	case "mem":
		return store.NewMemStore(), nil
	case "journal":
		path := c.Path
		if path == "" {
			path = filepath.Join(n.cfg.DataDir, "orders.wal")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		ms, err := store.OpenMemStore(path)
		if err != nil {
			return nil, err
		}
		return ms, nil
	}

	var (
		db  *gorm.DB
		err error
	)
	if c.Driver == "sqlite" {
		path := c.Path
		if path == "" {
			path = filepath.Join(n.cfg.DataDir, "orders.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		sc := c.MySQL
		// sqlite 单写者
		sc.MaxOpen = 1
		db, err = orm.Open(sqlite.Open(path), &sc)
	} else {
		db, err = orm.NewMySQL(&c.MySQL)
	}
	if err != nil {
		return nil, err
	}
	if n.sqlDB, err = db.DB(); err != nil {
		return nil, err
	}
	if err := n.sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping %s: %w", c.Driver, err)
	}
	gs := store.NewGormStore(db)
	if err := gs.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return gs, nil
}

var errLocalCustody = errors.New("custody backend mem cannot settle escrow with another node, set custody.backend to redis")

func (n *Node) openCustody(ctx context.Context, self protocol.Identity) (escrow.Custody, error) {
	if n.cfg.Custody.Backend == "redis" {
		return escrow.NewRedisLedger(n.rdb, n.cfg.Custody.Prefix), nil
	}
	// 进程内账本：买方锁的钱卖方退不了，卖带托管的货就不让起
	for _, s := range n.cfg.Listing.Seed {
		l, err := s.listing(self)
		if err != nil {
			return nil, err
		}
		if l.Escrow != protocol.EscrowNone {
			return nil, fmt.Errorf("listing %s needs escrow: %w", l.Hash.Short(), errLocalCustody)
		}
	}
	logger.Warn(ctx, "custody is process local, escrow orders cannot be settled with other nodes")
	return escrow.NewLedger(), nil
}

func (n *Node) seedListings(ctx context.Context, self protocol.Identity) error {
	for _, s := range n.cfg.Listing.Seed {
		l, err := s.listing(self)
		if err != nil {
			return err
		}
		switch r := n.listings.(type) {
		case *listing.MemRegistry:
			r.Put(l)
		case *listing.RedisRegistry:
			if err := r.Put(ctx, l); err != nil {
				return fmt.Errorf("seed listing %s: %w", l.Hash.Short(), err)
			}
		}
	}
	return nil
}

func (s ListingSeed) listing(self protocol.Identity) (listing.Listing, error) {
	h, err := protocol.ParseHash(s.Hash)
	if err != nil {
		return listing.Listing{}, fmt.Errorf("listing seed hash: %w", err)
	}
	et, err := protocol.ParseEscrowType(s.Escrow)
	if err != nil {
		return listing.Listing{}, err
	}
	price, err := decimal.NewFromString(s.Price)
	if err != nil {
		return listing.Listing{}, fmt.Errorf("listing %s price: %w", h.Short(), err)
	}
	seller := protocol.Identity(s.Seller)
	if seller == "" {
		seller = self
	}
	return listing.Listing{
		Hash:     h,
		Seller:   seller,
		Open:     !s.Closed,
		Escrow:   et,
		Price:    price,
		Currency: s.Currency,
	}, nil
}

func (n *Node) Identity() protocol.Identity { return n.signer.Identity() }
func (n *Node) Processor() *inbound.Processor { return n.proc }
func (n *Node) Store() store.Store { return n.store }
func (n *Node) Listings() listing.Registry { return n.listings }
func (n *Node) Dispatcher() *dispatch.Dispatcher { return n.dispatcher }

// Run serves until ctx ends or a component fails.
func (n *Node) Run(ctx context.Context) error {
	in, err := n.tr.Receive(ctx)
	if err != nil {
		return fmt.Errorf("receive: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range n.shards {
		s := s
		g.Go(func() error {
			return safe.Run(fmt.Sprintf("shard-%d", s.id), func() error {
				s.Run(gctx)
				return nil
			})
		})
	}
	g.Go(func() error { return n.receive(gctx, in) })
	g.Go(func() error { return n.sweepLoop(gctx) })
	g.Go(func() error {
		n.dispatcher.StartJanitor(gctx)
		return nil
	})
	if n.publisher != nil {
		g.Go(func() error {
			return safe.Run("outbox-publisher", func() error { return n.publisher.Run(gctx) })
		})
	}
	if n.cfg.Metrics.Addr != "" {
		g.Go(func() error { return n.serveMetrics(gctx) })
	}
	g.Go(func() error {
		n.observePools(gctx, 5*time.Second)
		return nil
	})

	logger.Info(ctx, "node running", zap.Int("shards", len(n.shards)))
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (n *Node) receive(ctx context.Context, in <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			msg, err := n.proc.Decode(ctx, raw)
			if err != nil {
				continue
			}
			s := n.shards.pick(msg.OrderID())
			if err := s.TryEnqueue(msg); err != nil {
				logger.Warn(ctx, "shard mailbox full, waiting",
					zap.Int("shard", s.id), zap.Uint64("full_total", s.MailboxFull()))
				if err := s.Enqueue(ctx, msg); err != nil {
					return nil
				}
			}
		}
	}
}

func (n *Node) sweepLoop(ctx context.Context) error {
	t := time.NewTicker(n.cfg.Sweep.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			if n.lock != nil {
				_ = n.lock.Release(context.Background())
			}
			return nil
		case now := <-t.C:
			n.sweepOnce(ctx, now)
		}
	}
}

func (n *Node) sweepOnce(ctx context.Context, now time.Time) {
	if n.lock != nil {
		ok, err := n.lock.TryAcquire(ctx, n.cfg.Sweep.LockTTL)
		if err != nil {
			logger.Warn(ctx, "sweeper lock failed", zap.Error(err))
			return
		}
		if !ok {
			return
		}
	}
	st, err := n.proc.Sweep(ctx, now)
	if err != nil {
		logger.Error(ctx, "sweep failed", zap.Error(err))
		return
	}
	if st.Discarded > 0 || st.Expired > 0 {
		logger.Info(ctx, "sweep done", zap.Int("discarded", st.Discarded), zap.Int("expired", st.Expired))
	}
}

func (n *Node) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	srv := &http.Server{Addr: n.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	safe.GoCtx(ctx, "metrics-shutdown", func(ctx context.Context) {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	logger.Info(ctx, "metrics listening", zap.String("addr", n.cfg.Metrics.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func (n *Node) Close() error {
	var errs []error
	if n.tr != nil {
		errs = append(errs, n.tr.Close())
	}
	if n.outbox != nil {
		errs = append(errs, n.outbox.Close())
	}
	if n.store != nil {
		errs = append(errs, n.store.Close())
	}
	if n.sqlDB != nil {
		errs = append(errs, n.sqlDB.Close())
	}
	if n.rdb != nil {
		errs = append(errs, n.rdb.Close())
	}
	return errors.Join(errs...)
}
