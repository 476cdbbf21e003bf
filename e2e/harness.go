// Package e2e tests the whole server through a real PostgreSQL client: a
// shared in-process service backed by a live engine, queried over TCP with
// pgx. The tests require cgo for the embedded engine.
package e2e

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/flatgres/flatgres/pkg/catalog"
	"github.com/flatgres/flatgres/pkg/config"
	"github.com/flatgres/flatgres/pkg/engine"
	"github.com/flatgres/flatgres/pkg/executor"
	"github.com/flatgres/flatgres/pkg/frontend"
)

const serviceStartTimeout = 10 * time.Second

// delhiCSV is a slice of the Daily Delhi Climate dataset.
const delhiCSV = `date,meantemp,humidity,wind_speed
2017-01-01,15.913043478260869,85.8695652173913,2.743478260869565
2017-01-02,18.5,77.22222222222223,2.894444444444444
2017-01-03,17.11111111111111,81.88888888888889,4.016666666666667
2017-01-04,18.7,70.05,4.545
2017-01-05,18.38888888888889,74.94444444444444,3.3000000000000003
`

const citiesCSV = `city,country,population
Delhi,India,16787941
Mumbai,India,12442373
Tokyo,Japan,13929286
`

// Harness owns the shared test infrastructure: one engine, one service, one
// listen address.
type Harness struct {
	Addr   string
	Engine *engine.DuckDB

	service   *frontend.Service
	serviceWg sync.WaitGroup
	cancel    context.CancelFunc
	logger    *slog.Logger
}

// NewHarnessForMain builds the harness for use from TestMain; failures panic.
func NewHarnessForMain() *Harness {
	return &Harness{
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
	}
}

// Start registers the test tables and brings the service up on a free port.
func (h *Harness) Start(ctx context.Context) {
	dir, err := os.MkdirTemp("", "flatgres-e2e-*")
	if err != nil {
		panic(err)
	}

	delhiPath := filepath.Join(dir, "delhi.csv")
	citiesPath := filepath.Join(dir, "cities.csv")
	tripsPath := filepath.Join(dir, "trips.parquet")
	mustWrite(delhiPath, delhiCSV)
	mustWrite(citiesPath, citiesCSV)

	eng, err := engine.Open(ctx, h.logger)
	if err != nil {
		panic(fmt.Sprintf("open engine: %v", err))
	}
	h.Engine = eng

	// Materialize a parquet source through the engine itself.
	cur, err := eng.Query(ctx, fmt.Sprintf(
		`COPY (SELECT * FROM (VALUES (1, 'airport', 12.5), (2, 'downtown', 7.25)) AS t(id, zone, fare)) TO '%s' (FORMAT 'parquet')`,
		tripsPath))
	if err != nil {
		panic(fmt.Sprintf("write parquet: %v", err))
	}
	_ = cur.Close()

	cat := catalog.New()
	for _, reg := range []struct {
		name, path string
		parquet    bool
	}{
		{"delhi", delhiPath, false},
		{"cities", citiesPath, false},
		{"trips", tripsPath, true},
	} {
		var entry *catalog.Entry
		if reg.parquet {
			entry, err = eng.RegisterParquet(ctx, reg.name, reg.path)
		} else {
			entry, err = eng.RegisterCSV(ctx, reg.name, reg.path)
		}
		if err != nil {
			panic(fmt.Sprintf("register %s: %v", reg.name, err))
		}
		if err := cat.Register(entry); err != nil {
			panic(err)
		}
	}

	h.Addr = fmt.Sprintf("127.0.0.1:%d", freePort())

	cfg := config.Default()
	cfg.Listen = []string{h.Addr}

	svcCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.service = frontend.NewService(svcCtx, cfg, executor.New(eng, cat, h.logger), h.logger)

	h.serviceWg.Add(1)
	go func() {
		defer h.serviceWg.Done()
		if err := h.service.Listen(); err != nil && svcCtx.Err() == nil {
			h.logger.Error("service error", "error", err)
		}
	}()

	h.waitForService(ctx)
}

// Stop shuts the service and engine down.
func (h *Harness) Stop() {
	if h.service != nil {
		h.cancel()
		h.serviceWg.Wait()
	}
	if h.Engine != nil {
		_ = h.Engine.Close()
	}
}

// Connect opens one pgx connection to the service. Parameterized queries use
// the extended protocol's unnamed statement path.
func (h *Harness) Connect(ctx context.Context) (*pgx.Conn, error) {
	cfg, err := pgx.ParseConfig(fmt.Sprintf("postgres://tester@%s/tester?sslmode=disable", h.Addr))
	if err != nil {
		return nil, err
	}
	cfg.DefaultQueryExecMode = pgx.QueryExecModeExec
	return pgx.ConnectConfig(ctx, cfg)
}

func (h *Harness) waitForService(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, serviceStartTimeout)
	defer cancel()
	for {
		if ctx.Err() != nil {
			panic("service did not start in time")
		}
		conn, err := net.DialTimeout("tcp", h.Addr, time.Second)
		if err == nil {
			_ = conn.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func mustWrite(path, data string) {
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		panic(err)
	}
}

// freePort asks the kernel for an unused TCP port. The port is released
// before the service binds it, which is racy in theory but fine for tests.
func freePort() int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
