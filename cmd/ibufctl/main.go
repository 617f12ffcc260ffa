// Command ibufctl is the insert buffer's admin/inspection surface: a
// process that opens a database file, attaches its insert buffer, drives
// background contraction off a cron/interval schedule, and exposes a
// small read-mostly RPC surface (Stats, ForceContract, InspectBitmap)
// over both gRPC and plain HTTP, with a hand-rolled JSON gRPC codec so
// no protoc step is needed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/ibufdb/ibufdb/internal/ibuf"
	"github.com/ibufdb/ibufdb/internal/storage"
	"github.com/ibufdb/ibufdb/internal/storage/pager"
)

var (
	flagDB           = flag.String("db", "ibufdb.db", "path to the database file")
	flagConfig       = flag.String("config", "", "optional YAML config file for the insert buffer (see ibuf.Config)")
	flagHTTP         = flag.String("http", ":8090", "HTTP listen address (empty to disable)")
	flagGRPC         = flag.String("grpc", ":9190", "gRPC listen address (empty to disable)")
	flagVerbose      = flag.Bool("v", false, "verbose logging")
	flagInstanceID   = flag.String("instance-id", "", "fixed UUID to tag this process's log lines with (random if empty); lets a fleet of ibufctl processes be told apart in aggregated logs")
	flagContractRate = flag.Int("contract-rate", 2, "max ForceContract RPCs served per second; protects background contraction from being starved by an admin script")
	flagBufferPoolMB = flag.Int64("buffer-pool-mb", 64, "memory budget handed to the page buffer pool; the insert buffer's max_size_percent is a fraction of the page count this implies, not a guess")
)

// ───────────────────────────────────────────────────────────────────────────
// gRPC JSON codec — plain encoding/json behind gRPC framing, no protoc involved.
// ───────────────────────────────────────────────────────────────────────────

type jsonCodec struct{}

func (jsonCodec) Name() string                      { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// ───────────────────────────────────────────────────────────────────────────
// Request/response types
// ───────────────────────────────────────────────────────────────────────────

type statsRequest struct{}

type statsResponse struct {
	MaxSize     int   `json:"max_size"`
	SegSize     int   `json:"seg_size"`
	FreeListLen int   `json:"free_list_len"`
	Height      int   `json:"height"`
	Size        int   `json:"size"`
	Empty       bool  `json:"empty"`
	NInserts    int64 `json:"n_inserts"`
	NMerges     int64 `json:"n_merges"`
	NMergedRecs int64 `json:"n_merged_recs"`
}

type forceContractRequest struct {
	Sync        bool `json:"sync"`
	BudgetPages int  `json:"budget_pages"`
}

type forceContractResponse struct {
	BytesMerged int64  `json:"bytes_merged"`
	Error       string `json:"error,omitempty"`
}

type inspectBitmapRequest struct {
	SpaceID uint32 `json:"space_id"`
	PageNo  uint32 `json:"page_no"`
}

type inspectBitmapResponse struct {
	BitmapPageNo uint32 `json:"bitmap_page_no"`
	FreeBits     uint8  `json:"free_bits"`
	Buffered     bool   `json:"buffered"`
	IsIbufPage   bool   `json:"is_ibuf_page"`
	Error        string `json:"error,omitempty"`
}

type discardSpaceRequest struct {
	SpaceID uint32 `json:"space_id"`
}

type discardSpaceResponse struct {
	NDeleted int    `json:"n_deleted"`
	Error    string `json:"error,omitempty"`
}

// ───────────────────────────────────────────────────────────────────────────
// Hand-rolled gRPC service descriptor (no protobuf; the JSON codec above
// carries the payloads).
// ───────────────────────────────────────────────────────────────────────────

type IBufAdminServer interface {
	Stats(context.Context, *statsRequest) (*statsResponse, error)
	ForceContract(context.Context, *forceContractRequest) (*forceContractResponse, error)
	InspectBitmap(context.Context, *inspectBitmapRequest) (*inspectBitmapResponse, error)
	DiscardSpace(context.Context, *discardSpaceRequest) (*discardSpaceResponse, error)
}

func registerIBufAdminServer(s *grpc.Server, srv IBufAdminServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "ibufdb.IBufAdmin",
		HandlerType: (*IBufAdminServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Stats", Handler: _IBufAdmin_Stats_Handler},
			{MethodName: "ForceContract", Handler: _IBufAdmin_ForceContract_Handler},
			{MethodName: "InspectBitmap", Handler: _IBufAdmin_InspectBitmap_Handler},
			{MethodName: "DiscardSpace", Handler: _IBufAdmin_DiscardSpace_Handler},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "ibufctl",
	}, srv)
}

func _IBufAdmin_Stats_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(statsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IBufAdminServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/ibufdb.IBufAdmin/Stats"}
	handler := func(ctx context.Context, req any) (any, error) { return srv.(IBufAdminServer).Stats(ctx, req.(*statsRequest)) }
	return interceptor(ctx, in, info, handler)
}

func _IBufAdmin_ForceContract_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(forceContractRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IBufAdminServer).ForceContract(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/ibufdb.IBufAdmin/ForceContract"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IBufAdminServer).ForceContract(ctx, req.(*forceContractRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _IBufAdmin_InspectBitmap_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(inspectBitmapRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IBufAdminServer).InspectBitmap(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/ibufdb.IBufAdmin/InspectBitmap"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IBufAdminServer).InspectBitmap(ctx, req.(*inspectBitmapRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _IBufAdmin_DiscardSpace_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(discardSpaceRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IBufAdminServer).DiscardSpace(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/ibufdb.IBufAdmin/DiscardSpace"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IBufAdminServer).DiscardSpace(ctx, req.(*discardSpaceRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ───────────────────────────────────────────────────────────────────────────
// Server state
// ───────────────────────────────────────────────────────────────────────────

type server struct {
	p     *pager.Pager
	g     *ibuf.Global
	dir   *ibuf.SpaceDirectory
	ctor  *ibuf.Contractor
	sched *storage.Scheduler

	instanceID uuid.UUID
	limiter    *storage.RateLimiter
}

func (s *server) Stats(ctx context.Context, _ *statsRequest) (*statsResponse, error) {
	st := s.g.Stats()
	return &statsResponse{
		MaxSize:     st.MaxSize,
		SegSize:     st.SegSize,
		FreeListLen: st.FreeListLen,
		Height:      st.Height,
		Size:        st.Size(),
		Empty:       st.Empty,
		NInserts:    st.NInserts,
		NMerges:     st.NMerges,
		NMergedRecs: st.NMergedRecs,
	}, nil
}

func (s *server) ForceContract(ctx context.Context, req *forceContractRequest) (*forceContractResponse, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return &forceContractResponse{Error: err.Error()}, nil
	}
	budget := req.BudgetPages
	if budget <= 0 {
		budget = ibuf.MergeArea
	}
	if *flagVerbose {
		log.Printf("ibufctl[%s]: ForceContract sync=%v budget=%d", s.instanceID, req.Sync, budget)
	}
	n, err := s.ctor.Contract(ctx, req.Sync, budget)
	if err != nil {
		return &forceContractResponse{Error: err.Error()}, nil
	}
	return &forceContractResponse{BytesMerged: n}, nil
}

func (s *server) InspectBitmap(ctx context.Context, req *inspectBitmapRequest) (*inspectBitmapResponse, error) {
	windowSize := ibuf.BitmapWindowSize(s.p.PageSize())
	bmPageNo := ibuf.BitmapPageForWindow(req.PageNo, windowSize)
	buf, err := s.p.ReadPage(pager.PageID(bmPageNo))
	if err != nil {
		return &inspectBitmapResponse{BitmapPageNo: bmPageNo, Error: err.Error()}, nil
	}
	defer s.p.UnpinPage(pager.PageID(bmPageNo))
	bm := ibuf.WrapBitmap(buf)
	if !bm.Covers(req.PageNo) {
		return &inspectBitmapResponse{
			BitmapPageNo: bmPageNo,
			Error:        fmt.Sprintf("page %d not covered by bitmap window [%d,%d)", req.PageNo, bm.WindowStart(), bm.WindowStart()+bm.WindowSize()),
		}, nil
	}
	return &inspectBitmapResponse{
		BitmapPageNo: bmPageNo,
		FreeBits:     bm.FreeBits(req.PageNo),
		Buffered:     bm.Buffered(req.PageNo),
		IsIbufPage:   bm.IsIbufPage(req.PageNo),
	}, nil
}

func (s *server) DiscardSpace(ctx context.Context, req *discardSpaceRequest) (*discardSpaceResponse, error) {
	// Unregister first: once the space is gone TryBuffer refuses it, so
	// the sweep below cannot race new arrivals.
	s.dir.Unregister(req.SpaceID)
	txID, err := s.p.BeginTx()
	if err != nil {
		return &discardSpaceResponse{Error: err.Error()}, nil
	}
	n, err := s.g.DiscardSpace(txID, req.SpaceID)
	if err != nil {
		s.p.AbortTx(txID)
		return &discardSpaceResponse{Error: err.Error()}, nil
	}
	if err := s.p.CommitTx(txID); err != nil {
		return &discardSpaceResponse{Error: err.Error()}, nil
	}
	return &discardSpaceResponse{NDeleted: n}, nil
}

// ───────────────────────────────────────────────────────────────────────────
// HTTP handlers — thin wrappers over the same service methods gRPC serves.
// ───────────────────────────────────────────────────────────────────────────

// writeJSON marshals through storage.JSONMarshal rather than json.Marshal
// directly, so that any big.Rat/uuid.UUID values a future response field
// adds come out as readable strings instead of json's default numeric or
// byte-array encoding.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	buf, err := storage.JSONMarshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(buf)
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp, _ := s.Stats(r.Context(), &statsRequest{})
	writeJSON(w, resp)
}

func (s *server) handleForceContract(w http.ResponseWriter, r *http.Request) {
	var req forceContractRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	resp, _ := s.ForceContract(r.Context(), &req)
	writeJSON(w, resp)
}

func (s *server) handleInspectBitmap(w http.ResponseWriter, r *http.Request) {
	var req inspectBitmapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	resp, _ := s.InspectBitmap(r.Context(), &req)
	writeJSON(w, resp)
}

func (s *server) handleDiscardSpace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req discardSpaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	resp, _ := s.DiscardSpace(r.Context(), &req)
	writeJSON(w, resp)
}

// ───────────────────────────────────────────────────────────────────────────
// Bootstrap
// ───────────────────────────────────────────────────────────────────────────

// openOrCreate attaches to an existing insert buffer at dbPath, or
// bootstraps a brand-new one if the file is freshly created — mirroring
// ibuf_init_at_db_start's "seed on first boot, attach thereafter" split.
func openOrCreate(p *pager.Pager, dir *ibuf.SpaceDirectory, cfg ibuf.Config) (*ibuf.Global, error) {
	sb := p.Superblock()
	if sb.IbufHeaderRoot != pager.InvalidPageID {
		auxRoot, err := ibuf.PeekAuxRoot(p, sb.IbufHeaderRoot)
		if err != nil {
			return nil, err
		}
		return ibuf.OpenIBuf(p, p, dir, cfg, sb.IbufHeaderRoot, pager.NewBTree(p, auxRoot))
	}

	txID, err := p.BeginTx()
	if err != nil {
		return nil, err
	}
	aux, err := pager.CreateBTree(p, txID)
	if err != nil {
		p.AbortTx(txID)
		return nil, err
	}
	g, headerID, err := ibuf.CreateIBuf(p, p, dir, cfg, txID, aux.Root(), aux)
	if err != nil {
		p.AbortTx(txID)
		return nil, err
	}
	p.UpdateSuperblock(func(sb *pager.Superblock) {
		sb.IbufHeaderRoot = headerID
	})
	if err := p.CommitTx(txID); err != nil {
		return nil, err
	}
	return g, nil
}

func main() {
	flag.Parse()

	cfg := ibuf.DefaultConfig()
	if *flagConfig != "" {
		loaded, err := ibuf.LoadConfig(*flagConfig)
		if err != nil {
			log.Fatalf("ibufctl: load config: %v", err)
		}
		cfg = loaded
	}

	p, err := pager.OpenPager(pager.PagerConfig{DBPath: *flagDB, PageSize: pager.DefaultPageSize})
	if err != nil {
		log.Fatalf("ibufctl: open %s: %v", *flagDB, err)
	}
	defer p.Close()

	pagePool := storage.NewBufferPool(storage.LimitedMemoryPolicy(*flagBufferPoolMB))
	if cfg.BufferPoolPages == 0 {
		if limit := pagePool.GetMemoryLimit(); limit > 0 {
			cfg.BufferPoolPages = int(limit / int64(p.PageSize()))
		}
	}
	log.Printf("ibufctl: buffer pool budget %dMB (%d pages), max_size_percent=%d%% -> %d aux pages",
		*flagBufferPoolMB, cfg.BufferPoolPages, cfg.MaxSizePercent, cfg.BufferPoolPages*cfg.MaxSizePercent/100)

	dir := ibuf.NewSpaceDirectory()
	g, err := openOrCreate(p, dir, cfg)
	if err != nil {
		log.Fatalf("ibufctl: attach insert buffer: %v", err)
	}

	ctor := ibuf.NewContractor(g, dir)
	sched := storage.NewScheduler(ctor)

	interval := cfg.BackgroundInterval
	job := &storage.ContractJob{
		Name:        "background-contraction",
		BudgetPages: cfg.BudgetPagesPerContract,
		NoOverlap:   true,
		MaxRuntime:  30 * time.Second,
	}
	if cfg.BackgroundCron != "" {
		job.ScheduleType = storage.ScheduleCron
		job.CronExpr = cfg.BackgroundCron
	} else {
		d, perr := time.ParseDuration(interval)
		if perr != nil {
			d = 5 * time.Second
		}
		job.ScheduleType = storage.ScheduleInterval
		job.Interval = d
	}
	if err := sched.AddJob(job); err != nil {
		log.Fatalf("ibufctl: schedule contraction: %v", err)
	}
	if err := sched.Start(); err != nil {
		log.Fatalf("ibufctl: start scheduler: %v", err)
	}
	defer sched.Stop()

	instanceID := uuid.New()
	if *flagInstanceID != "" {
		parsed, err := storage.ParseUUID(*flagInstanceID)
		if err != nil {
			log.Fatalf("ibufctl: -instance-id: %v", err)
		}
		instanceID = parsed
	}
	log.Printf("ibufctl[%s]: starting, db=%s (%d-byte id)", instanceID, *flagDB, len(storage.UUIDToBytes(instanceID)))

	srv := &server{
		p: p, g: g, dir: dir, ctor: ctor, sched: sched,
		instanceID: instanceID,
		limiter:    storage.NewRateLimiter(*flagContractRate),
	}
	defer srv.limiter.Stop()

	encoding.RegisterCodec(jsonCodec{})

	var grpcErr error
	if *flagGRPC != "" {
		go func() {
			lis, err := net.Listen("tcp", *flagGRPC)
			if err != nil {
				log.Printf("ibufctl: gRPC listen error: %v", err)
				grpcErr = err
				return
			}
			gs := grpc.NewServer()
			registerIBufAdminServer(gs, srv)
			log.Printf("ibufctl[%s]: gRPC listening on %s", instanceID, *flagGRPC)
			if err := gs.Serve(lis); err != nil {
				log.Printf("ibufctl: gRPC serve error: %v", err)
				grpcErr = err
			}
		}()
	}

	if *flagHTTP != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/stats", srv.handleStats)
		mux.HandleFunc("/api/contract", srv.handleForceContract)
		mux.HandleFunc("/api/bitmap", srv.handleInspectBitmap)
		mux.HandleFunc("/api/discard", srv.handleDiscardSpace)
		log.Printf("ibufctl[%s]: HTTP listening on %s", instanceID, *flagHTTP)
		if err := http.ListenAndServe(*flagHTTP, mux); err != nil {
			log.Printf("ibufctl: HTTP serve error: %v", err)
			if grpcErr != nil {
				log.Fatal("ibufctl: both listeners failed")
			}
		}
	} else {
		select {}
	}
}

// grpcAdminClient is a small helper for tools that want to talk to a
// running ibufctl over the same hand-rolled JSON codec the server uses.
func grpcAdminClient(addr string) (*grpc.ClientConn, error) {
	return grpc.Dial(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
}
