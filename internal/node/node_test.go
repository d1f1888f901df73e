package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"bidmesh.com/internal/escrow"
	"bidmesh.com/internal/inbound"
	"bidmesh.com/internal/listing"
	"bidmesh.com/internal/order"
	"bidmesh.com/internal/protocol"
	"bidmesh.com/internal/transport"
	"bidmesh.com/pkg/ratelimit"
	"bidmesh.com/pkg/xredis"
	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var listingHash = protocol.Hash{0x42}

type cluster struct {
	net    *transport.MemNetwork
	reg    *listing.MemRegistry
	ledger *escrow.Ledger
}

func testConfig(t *testing.T) *Config {
	cfg := &Config{DataDir: t.TempDir()}
	cfg.Store.Driver = "mem"
	cfg.Dispatch.MaxAttempts = 5
	cfg.Dispatch.InitialInterval = time.Millisecond
	cfg.Dispatch.MaxInterval = 10 * time.Millisecond
	cfg.Dispatch.Breaker = ratelimit.Rule{TripConsecutiveFailures: 100}
	cfg.Outbox.Publisher.Poll = 5 * time.Millisecond
	cfg.Shards = ShardConfig{Count: 4, MailboxSize: 16, BatchMax: 4}
	cfg.withDefaults()
	return cfg
}

func (c *cluster) start(t *testing.T, tweak func(*Config)) *Node {
	t.Helper()
	key, err := protocol.GenerateKeySigner()
	require.NoError(t, err)
	cfg := testConfig(t)
	if tweak != nil {
		tweak(cfg)
	}
	opts := []Option{
		WithSigner(key),
		WithTransport(c.net.Join(key.Identity(), 64)),
		WithListings(c.reg),
	}
	// 不给共享账本时按配置打开
	if c.ledger != nil {
		opts = append(opts, WithCustody(c.ledger))
	}
	n, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, n.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		_ = n.Close()
	})
	return n
}

func eventuallyStatus(t *testing.T, n *Node, id protocol.Hash, want order.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		o, err := n.Store().Get(context.Background(), id)
		return err == nil && o.Status == want
	}, 3*time.Second, 5*time.Millisecond, "waiting for %s", want)
}

func TestNodesNegotiateOverNetwork(t *testing.T) {
	ctx := context.Background()
	c := &cluster{net: transport.NewMemNetwork(), reg: listing.NewMemRegistry(), ledger: escrow.NewLedger()}

	seller := c.start(t, func(cfg *Config) {
		cfg.Store.Driver = "sqlite"
		cfg.Listing.Seed = []ListingSeed{{Hash: listingHash.String(), Price: "5", Currency: "PART", Escrow: "NORMAL"}}
	})
	buyer := c.start(t, func(cfg *Config) {
		cfg.Store.Driver = "journal"
		cfg.Outbox.Enabled = true
		cfg.Inbound.AutoEscrowLock = true
	})

	l, err := c.reg.Lookup(ctx, listingHash)
	require.NoError(t, err)
	assert.Equal(t, seller.Identity(), l.Seller, "seed defaults to the local identity")

	bid, err := buyer.Processor().PlaceBid(ctx, inbound.BidRequest{Listing: listingHash})
	require.NoError(t, err)
	eventuallyStatus(t, seller, bid.Hash, order.StatusBidReceived)
	assert.True(t, c.reg.Reserved(listingHash, bid.Hash))

	_, err = seller.Processor().SubmitLocalAction(ctx, inbound.Action{Order: bid.Hash, Variant: protocol.VariantAccept})
	require.NoError(t, err)
	eventuallyStatus(t, buyer, bid.Hash, order.StatusEscrowLocked)
	eventuallyStatus(t, seller, bid.Hash, order.StatusEscrowLocked)

	_, err = buyer.Processor().SubmitLocalAction(ctx, inbound.Action{Order: bid.Hash, Variant: protocol.VariantEscrowRelease})
	require.NoError(t, err)
	eventuallyStatus(t, seller, bid.Hash, order.StatusComplete)
	assert.True(t, c.ledger.Balance(seller.Identity()).Equal(decimal.RequireFromString("5")))
}

// 两个节点各自从配置打开 custody，指向同一个 redis：买方锁、卖方退
func TestRefundAcrossNodesWithRedisCustody(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	c := &cluster{net: transport.NewMemNetwork(), reg: listing.NewMemRegistry()}
	withRedis := func(cfg *Config) {
		cfg.Redis = &xredis.Config{Addr: mr.Addr()}
		cfg.Custody = CustodyConfig{}
		cfg.withDefaults()
	}

	seller := c.start(t, func(cfg *Config) {
		withRedis(cfg)
		cfg.Listing.Seed = []ListingSeed{{Hash: listingHash.String(), Price: "5", Currency: "PART", Escrow: "NORMAL"}}
	})
	buyer := c.start(t, func(cfg *Config) {
		withRedis(cfg)
		cfg.Inbound.AutoEscrowLock = true
	})
	assert.IsType(t, &escrow.RedisLedger{}, seller.custody)
	assert.IsType(t, &escrow.RedisLedger{}, buyer.custody)
	assert.NotSame(t, seller.custody, buyer.custody)

	bid, err := buyer.Processor().PlaceBid(ctx, inbound.BidRequest{Listing: listingHash})
	require.NoError(t, err)
	eventuallyStatus(t, seller, bid.Hash, order.StatusBidReceived)
	_, err = seller.Processor().SubmitLocalAction(ctx, inbound.Action{Order: bid.Hash, Variant: protocol.VariantAccept})
	require.NoError(t, err)
	eventuallyStatus(t, seller, bid.Hash, order.StatusEscrowLocked)

	_, err = seller.Processor().SubmitLocalAction(ctx, inbound.Action{Order: bid.Hash, Variant: protocol.VariantEscrowRefund})
	require.NoError(t, err)
	eventuallyStatus(t, buyer, bid.Hash, order.StatusCancelled)
	eventuallyStatus(t, seller, bid.Hash, order.StatusCancelled)

	bal, err := seller.custody.(*escrow.RedisLedger).Balance(ctx, buyer.Identity())
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("5")), "buyer refunded: %s", bal)
}

func TestLocalCustodyRefusesEscrowListings(t *testing.T) {
	key, err := protocol.GenerateKeySigner()
	require.NoError(t, err)
	cfg := testConfig(t)
	cfg.Listing.Seed = []ListingSeed{{Hash: listingHash.String(), Price: "5", Currency: "PART", Escrow: "NORMAL"}}
	require.Equal(t, "mem", cfg.Custody.Backend)

	net := transport.NewMemNetwork()
	_, err = New(context.Background(), cfg, WithSigner(key), WithTransport(net.Join(key.Identity(), 4)))
	assert.ErrorIs(t, err, errLocalCustody)

	// 不带托管的货照常能起
	cfg.Listing.Seed[0].Escrow = "NONE"
	n, err := New(context.Background(), cfg, WithSigner(key), WithTransport(transport.NewMemNetwork().Join(key.Identity(), 4)))
	require.NoError(t, err)
	assert.IsType(t, &escrow.Ledger{}, n.custody)
	require.NoError(t, n.Close())
}

func TestUndecodableDeliveryIsIgnored(t *testing.T) {
	c := &cluster{net: transport.NewMemNetwork(), reg: listing.NewMemRegistry(), ledger: escrow.NewLedger()}
	n := c.start(t, nil)
	peer := c.net.Join("peer", 4)

	require.NoError(t, peer.Deliver(context.Background(), n.Identity(), []byte("garbage")))
	active, err := n.Store().ListActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
}

type countingHandler struct {
	mu   sync.Mutex
	seen []protocol.Hash
}

func (h *countingHandler) HandleMessage(_ context.Context, msg *protocol.Message) (inbound.Outcome, error) {
	h.mu.Lock()
	h.seen = append(h.seen, msg.Hash)
	h.mu.Unlock()
	return inbound.Applied, nil
}

func TestShardMailbox(t *testing.T) {
	s := newShard(0, &countingHandler{}, ShardConfig{MailboxSize: 1, BatchMax: 1})
	require.NoError(t, s.TryEnqueue(&protocol.Message{Hash: protocol.Hash{1}}))
	assert.ErrorIs(t, s.TryEnqueue(&protocol.Message{Hash: protocol.Hash{2}}), ErrBusy)
	assert.EqualValues(t, 1, s.MailboxFull())
}

func TestShardsKeepOrderPerOrder(t *testing.T) {
	h := &countingHandler{}
	ss := newShards(h, ShardConfig{Count: 8})
	id := protocol.Hash{0xaa}
	assert.Same(t, ss.pick(id), ss.pick(id))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := ss.pick(id)
	go s.Run(ctx)

	var want []protocol.Hash
	for i := byte(0); i < 20; i++ {
		m := &protocol.Message{Hash: protocol.Hash{0xbb, i}, Variant: protocol.VariantAccept, Order: id}
		want = append(want, m.Hash)
		require.NoError(t, s.Enqueue(ctx, m))
	}
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.seen) == len(want)
	}, time.Second, time.Millisecond)
	h.mu.Lock()
	assert.Equal(t, want, h.seen)
	h.mu.Unlock()
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name  string
		tweak func(*Config)
		ok    bool
	}{
		{"defaults with key", func(c *Config) { c.Identity.KeyHex = "00" }, true},
		{"missing key", func(c *Config) {}, false},
		{"bad store", func(c *Config) { c.Identity.KeyHex = "00"; c.Store.Driver = "etcd" }, false},
		{"mysql without dsn", func(c *Config) { c.Identity.KeyHex = "00"; c.Store.Driver = "mysql" }, false},
		{"redis listing without redis", func(c *Config) { c.Identity.KeyHex = "00"; c.Listing.Backend = "redis" }, false},
		{"redis custody without redis", func(c *Config) { c.Identity.KeyHex = "00"; c.Custody.Backend = "redis" }, false},
		{"unknown custody", func(c *Config) { c.Identity.KeyHex = "00"; c.Custody.Backend = "vault" }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Config{}
			tc.tweak(c)
			c.withDefaults()
			if tc.ok {
				assert.NoError(t, c.Validate())
			} else {
				assert.Error(t, c.Validate())
			}
		})
	}
}

func TestListingSeed(t *testing.T) {
	l, err := ListingSeed{Hash: listingHash.String(), Seller: "S", Price: "1.25", Escrow: "MULTISIG", Closed: true}.listing("self")
	require.NoError(t, err)
	assert.Equal(t, protocol.Identity("S"), l.Seller)
	assert.Equal(t, protocol.EscrowMultisig, l.Escrow)
	assert.False(t, l.Open)
	assert.True(t, l.Price.Equal(decimal.RequireFromString("1.25")))

	_, err = ListingSeed{Hash: "zz", Price: "1"}.listing("self")
	assert.Error(t, err)
}
