package main

import (
	"context"
	_ "embed"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/lmittmann/tint"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/term"

	"github.com/flatgres/flatgres/pkg/catalog"
	"github.com/flatgres/flatgres/pkg/config"
	"github.com/flatgres/flatgres/pkg/engine"
	"github.com/flatgres/flatgres/pkg/executor"
	"github.com/flatgres/flatgres/pkg/frontend"
)

//go:embed README.md
var readmeMarkdown string

var bannerLines = []string{
	`     ______      __                         `,
	`    / __/ /___ _/ /_____ _________  _____   `,
	`   / /_/ / __ '/ __/ __ '/ ___/ _ \/ ___/   `,
	`  / __/ / /_/ / /_/ /_/ / /  /  __(__  )    `,
	` /_/ /_/\__,_/\__/\__, /_/   \___/____/     `,
	`                 /____/                     `,
}

func printBanner() {
	// Gradient from cyan to violet
	cyan, _ := colorful.Hex("#00B4D8")
	violet, _ := colorful.Hex("#7B2FBE")
	bgColor := lipgloss.Color("#16161e")

	maxWidth := len(bannerLines[0])

	var lines []string
	for _, line := range bannerLines {
		var result strings.Builder
		for i, r := range line {
			t := float64(i) / float64(maxWidth-1)
			c := cyan.BlendLuv(violet, t)
			style := lipgloss.NewStyle().
				Foreground(lipgloss.Color(c.Hex())).
				Background(bgColor).
				Bold(true)
			result.WriteString(style.Render(string(r)))
		}
		lines = append(lines, result.String())
	}

	box := lipgloss.NewStyle().
		Background(bgColor).
		Padding(0, 2).
		Render(strings.Join(lines, "\n"))

	fmt.Println(box)
	fmt.Println()
}

var (
	// Styles for usage output
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00B4D8"))

	descStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))

	flagStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7B2FBE")).
			Bold(true)

	exampleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Italic(true)
)

func printUsage() {
	fmt.Println(titleStyle.Render("Usage:"))
	fmt.Println("  flatgres " + flagStyle.Render("[-listen <addr>] [-csv name=path]... [-parquet name=path]..."))
	fmt.Println("  flatgres " + flagStyle.Render("-config <flatgres.json>"))
	fmt.Println()

	fmt.Println(titleStyle.Render("Options:"))
	flag.VisitAll(func(f *flag.Flag) {
		fmt.Printf("  %s\n", flagStyle.Render("-"+f.Name))
		fmt.Printf("      %s\n", f.Usage)
	})
	fmt.Println()

	fmt.Println(titleStyle.Render("Example:"))
	fmt.Println(exampleStyle.Render("  flatgres -csv delhi=climate/DailyDelhiClimateTest.csv -listen 127.0.0.1:5432"))
	fmt.Println(exampleStyle.Render(`  psql -h 127.0.0.1 -c "SELECT count(*) FROM delhi"`))
	fmt.Println()

	fmt.Println(descStyle.Render("Run 'flatgres -help' for full documentation."))
	fmt.Println()
}

func printFullDocs() {
	// Get terminal width, default to 80 if not a terminal
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		// Fallback to raw markdown
		fmt.Println(readmeMarkdown)
		return
	}

	out, err := renderer.Render(readmeMarkdown)
	if err != nil {
		fmt.Println(readmeMarkdown)
		return
	}

	fmt.Print(out)
}

func main() {
	var listens []string
	var tables []config.TableSpec
	tableFlag := func(kind config.SourceKind) func(string) error {
		return func(value string) error {
			spec, err := config.ParseTableSpec(kind, value)
			if err != nil {
				return err
			}
			tables = append(tables, spec)
			return nil
		}
	}

	configPath := flag.String("config", "", "path to flatgres.json config file")
	flag.Func("listen", "address to listen on (repeatable, default 127.0.0.1:5432)", func(addr string) error {
		listens = append(listens, addr)
		return nil
	})
	flag.Func("csv", "serve a CSV file as a table, as name=path or a bare path (repeatable)", tableFlag(config.SourceCSV))
	flag.Func("parquet", "serve a Parquet file as a table, as name=path or a bare path (repeatable)", tableFlag(config.SourceParquet))
	jsonLogs := flag.Bool("json", false, "output logs in JSON format")
	verbose := flag.Bool("verbose", false, "log at debug level, including a wire protocol trace")
	showHelp := flag.Bool("help", false, "show full documentation")
	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printFullDocs()
		os.Exit(0)
	}

	if *configPath == "" && len(tables) == 0 {
		printBanner()
		printUsage()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if *jsonLogs {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Error("failed to read config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.Listen = append(cfg.Listen, listens...)
	cfg.Tables = append(cfg.Tables, tables...)
	if len(cfg.Listen) == 0 {
		cfg.Listen = []string{"127.0.0.1:5432"}
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	eng, err := engine.Open(ctx, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	cat := catalog.New()
	for _, t := range cfg.Tables {
		var entry *catalog.Entry
		var err error
		switch t.Kind {
		case config.SourceCSV:
			entry, err = eng.RegisterCSV(ctx, t.Name, t.Path)
		case config.SourceParquet:
			entry, err = eng.RegisterParquet(ctx, t.Name, t.Path)
		}
		if err != nil {
			return err
		}
		if err := cat.Register(entry); err != nil {
			return err
		}
		logger.Info("registered table", "name", entry.Name, "kind", string(entry.Kind), "columns", len(entry.Columns))
	}

	exec := executor.New(eng, cat, logger)
	svc := frontend.NewService(ctx, cfg, exec, logger)
	return svc.Listen()
}
