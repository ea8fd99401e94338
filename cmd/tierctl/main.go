// tierctl is an interactive inspector for a live tiered heap.
//
// Usage:
//
//	tierctl [flags]
//
// Flags:
//
//	-p, --policy       Placement policy: static_ratio, dynamic_threshold,
//	                   data_hotness (default data_hotness)
//	    --hot-ratio    Hot tier ratio weight (default 1)
//	    --cold-ratio   Cold tier ratio weight (default 3)
//	-c, --config       Tier config file (HuJSON); overrides the ratio flags
//	    --synthetic    Use a synthetic sample source instead of perf
//	    --locked-ring  Use the mutex-based event ring
//
// Commands (in REPL):
//
//	alloc <size> [count]    Allocate count blocks of size bytes
//	free <id>               Free one allocation
//	touch <id> [n]          Record n synthetic touches
//	ls                      List live allocations
//	stats                   Show ratios, totals, threshold, drops
//	heatmap <file>          Dump the hotness heatmap to a file
//	gate on|off             Enable/disable sample processing
//	help                    Show this help
//	exit / quit / q         Exit
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	tierheap "github.com/lukaszgda/tierheap"
	"github.com/lukaszgda/tierheap/internal/pebs"
)

type allocation struct {
	id   int
	buf  []byte
	kind string
}

type repl struct {
	mem    *tierheap.Memory
	src    *pebs.SyntheticSource
	liner  *liner.State
	allocs map[int]*allocation
	nextID int
	now    uint64
}

func main() {
	os.Exit(run())
}

func run() int {
	policyName := flag.StringP("policy", "p", "data_hotness", "placement policy")
	hotRatio := flag.Uint("hot-ratio", 1, "hot tier ratio weight")
	coldRatio := flag.Uint("cold-ratio", 3, "cold tier ratio weight")
	configPath := flag.StringP("config", "c", "", "tier config file (HuJSON)")
	synthetic := flag.Bool("synthetic", false, "use a synthetic sample source")
	lockedRing := flag.Bool("locked-ring", false, "use the mutex-based event ring")
	flag.Parse()

	mem, src, err := buildMemory(*policyName, *hotRatio, *coldRatio, *configPath, *synthetic, *lockedRing)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)

		return 1
	}
	defer mem.Close()

	r := &repl{
		mem:    mem,
		src:    src,
		allocs: make(map[int]*allocation),
		now:    1,
	}

	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(completer)

	histPath := filepath.Join(os.TempDir(), ".tierctl_history")
	if f, err := os.Open(histPath); err == nil {
		_, _ = r.liner.ReadHistory(f)
		_ = f.Close()
	}

	defer func() {
		if f, err := os.Create(histPath); err == nil {
			_, _ = r.liner.WriteHistory(f)
			_ = f.Close()
		}
	}()

	for {
		line, err := r.liner.Prompt("tierctl> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return 0
			}

			fmt.Fprintln(os.Stderr, "error:", err)

			return 1
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		if done := r.dispatch(line); done {
			return 0
		}
	}
}

func buildMemory(policyName string, hotRatio, coldRatio uint, configPath string, synthetic, lockedRing bool) (*tierheap.Memory, *pebs.SyntheticSource, error) {
	policy, err := tierheap.PolicyFromString(policyName)
	if err != nil {
		return nil, nil, err
	}

	tiers := []tierheap.TierSpec{
		{Kind: tierheap.KindHot, Ratio: hotRatio},
		{Kind: tierheap.KindCold, Ratio: coldRatio},
	}

	if configPath != "" {
		data, readErr := os.ReadFile(configPath)
		if readErr != nil {
			return nil, nil, fmt.Errorf("read config: %w", readErr)
		}

		cfg, parseErr := tierheap.ParseTierConfig(data)
		if parseErr != nil {
			return nil, nil, parseErr
		}

		if cfg.Policy != "" {
			policy, err = tierheap.PolicyFromString(cfg.Policy)
			if err != nil {
				return nil, nil, err
			}
		}

		tiers = cfg.Tiers
	} else if envCfg, ok, envErr := tierheap.TierConfigFromEnv(); envErr != nil {
		return nil, nil, envErr
	} else if ok {
		tiers = envCfg.Tiers
	}

	b := tierheap.NewBuilder(policy).
		WithLogger(log.NewLogfmtLogger(os.Stderr))

	if lockedRing {
		b.WithLockedRing()
	}

	var src *pebs.SyntheticSource

	if synthetic {
		src = pebs.NewSyntheticSource()
		b.WithSampleSource(src)
	}

	for _, spec := range tiers {
		kind, kindErr := tierheap.NewKind(spec.Kind, spec.MaxBytes)
		if kindErr != nil {
			return nil, nil, kindErr
		}

		if err := b.AddTier(kind, spec.Ratio); err != nil {
			return nil, nil, err
		}
	}

	mem, err := b.Build()
	if err != nil {
		return nil, nil, err
	}

	return mem, src, nil
}

var commands = []string{
	"alloc", "free", "touch", "ls", "stats", "heatmap", "gate", "help", "exit", "quit",
}

func completer(line string) []string {
	var out []string

	for _, c := range commands {
		if strings.HasPrefix(c, strings.ToLower(line)) {
			out = append(out, c)
		}
	}

	return out
}

// dispatch runs one REPL command; true means exit.
func (r *repl) dispatch(line string) bool {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "exit", "quit", "q":
		return true
	case "help":
		printHelp()
	case "alloc":
		r.cmdAlloc(args)
	case "free":
		r.cmdFree(args)
	case "touch":
		r.cmdTouch(args)
	case "ls":
		r.cmdLs()
	case "stats":
		r.cmdStats()
	case "heatmap":
		r.cmdHeatmap(args)
	case "gate":
		r.cmdGate(args)
	default:
		fmt.Printf("unknown command %q, try 'help'\n", cmd)
	}

	return false
}

func printHelp() {
	fmt.Print(`Commands:
  alloc <size> [count]    Allocate count blocks of size bytes
  free <id>               Free one allocation
  touch <id> [n]          Record n synthetic touches
  ls                      List live allocations
  stats                   Show ratios, totals, threshold, drops
  heatmap <file>          Dump the hotness heatmap to a file
  gate on|off             Enable/disable sample processing
  exit                    Exit
`)
}

func (r *repl) cmdAlloc(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: alloc <size> [count]")

		return
	}

	size, err := humanize.ParseBytes(args[0])
	if err != nil {
		fmt.Println("bad size:", err)

		return
	}

	count := 1

	if len(args) > 1 {
		count, err = strconv.Atoi(args[1])
		if err != nil || count < 1 {
			fmt.Println("bad count")

			return
		}
	}

	for i := 0; i < count; i++ {
		buf, allocErr := r.mem.Malloc(size)
		if allocErr != nil {
			fmt.Println("alloc failed:", allocErr)

			return
		}

		kindName := "?"
		if kind, ok := r.mem.DetectKind(bufAddr(buf)); ok {
			kindName = kind.Name()
		}

		r.nextID++
		r.allocs[r.nextID] = &allocation{id: r.nextID, buf: buf, kind: kindName}

		fmt.Printf("#%d  %s  on %s\n", r.nextID, humanize.IBytes(size), kindName)
	}
}

func (r *repl) cmdFree(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: free <id>")

		return
	}

	id, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Println("bad id")

		return
	}

	a, ok := r.allocs[id]
	if !ok {
		fmt.Println("no such allocation")

		return
	}

	if err := r.mem.Free(a.buf); err != nil {
		fmt.Println("free failed:", err)

		return
	}

	delete(r.allocs, id)
	fmt.Printf("#%d freed\n", id)
}

func (r *repl) cmdTouch(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: touch <id> [n]")

		return
	}

	id, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Println("bad id")

		return
	}

	a, ok := r.allocs[id]
	if !ok {
		fmt.Println("no such allocation")

		return
	}

	n := 1

	if len(args) > 1 {
		n, err = strconv.Atoi(args[1])
		if err != nil || n < 1 {
			fmt.Println("bad count")

			return
		}
	}

	addr := bufAddr(a.buf)

	for i := 0; i < n; i++ {
		if r.src != nil {
			r.src.Feed(pebs.Sample{Addr: uint64(addr), Timestamp: r.now})
		} else {
			r.mem.Touch(addr, r.now)
		}

		r.now++
	}

	fmt.Printf("#%d touched %d times\n", id, n)
}

func (r *repl) cmdLs() {
	if len(r.allocs) == 0 {
		fmt.Println("no live allocations")

		return
	}

	for id := 1; id <= r.nextID; id++ {
		a, ok := r.allocs[id]
		if !ok {
			continue
		}

		addr := bufAddr(a.buf)

		fmt.Printf("#%-4d %10s  %-5s hotness=%-18s freq=%.3f\n",
			a.id,
			humanize.IBytes(uint64(len(a.buf))),
			a.kind,
			r.mem.AddrHotnessClass(addr),
			r.mem.AddrHotness(addr))
	}
}

func (r *repl) cmdStats() {
	fmt.Printf("policy target ratio:   %.3f\n", r.mem.DesiredHotToTotalRatio())
	fmt.Printf("observed hot ratio:    %.3f\n", r.mem.ActualHotToTotalRatio())
	fmt.Printf("total allocated:       %s\n", humanize.IBytes(r.mem.TotalSize()))
	fmt.Printf("hot threshold:         %g\n", r.mem.HotThreshold())
	fmt.Printf("measure window:        %d ns\n", r.mem.MeasureWindow())
	fmt.Printf("dropped events:        %d\n", r.mem.DroppedEvents())
}

func (r *repl) cmdHeatmap(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: heatmap <file>")

		return
	}

	// Let the consumer catch up with recent touches first.
	time.Sleep(50 * time.Millisecond)

	if err := r.mem.DumpHeatmap(args[0]); err != nil {
		fmt.Println("dump failed:", err)

		return
	}

	fmt.Println("heatmap written to", args[0])
}

func (r *repl) cmdGate(args []string) {
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		fmt.Println("usage: gate on|off")

		return
	}

	r.mem.SetProcessTouches(args[0] == "on")
	fmt.Println("sample processing", args[0])
}

func bufAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
