package ebd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
)

func printHelp() {
	colSuccess.Println("Usage: ebd <command> [arguments]")
	colSuccess.Println("Run 'ebd <command> -h' for command options")
	fmt.Println()
	color.Info.Println("Available Commands:")

	type cmdInfo struct {
		Cmd  string
		Args string
		Desc string
	}
	cmds := []cmdInfo{
		{"build, b", "[-test] [-keep] <pkg>...", "Build package(s) through the full phase sequence"},
		{"phase", "<pkg> <phase>", "Run a single resolved phase against the build tree"},
		{"eapi", "[<level>]", "Show the API level chain or one level's resolved table"},
		{"checksum, c", "[-verify] <pkg>", "Generate or verify the checksums file from distfiles"},
		{"log", "", "TUI build log viewer (live and archived)"},
		{"publish", "[-cleanup]", "Upload binary packages and signed index to the mirror"},
		{"keygen", "<id>", "Generate an ed25519 signing keypair"},
		{"version, --version", "", "Version information"},
		{"help", "", "Show this help"},
	}

	maxLen := 0
	for _, c := range cmds {
		length := len(c.Cmd) + len(c.Args)
		if c.Args != "" {
			length++
		}
		if length > maxLen {
			maxLen = length
		}
	}
	columnWidth := maxLen + 4

	for _, c := range cmds {
		var usage string
		if c.Args != "" {
			usage = fmt.Sprintf("  %s %s", c.Cmd, c.Args)
		} else {
			usage = fmt.Sprintf("  %s", c.Cmd)
		}

		fmt.Print("  ")
		color.Bold.Print(c.Cmd)
		if c.Args != "" {
			fmt.Print(" ")
			color.Cyan.Print(c.Args)
		}

		pad := columnWidth - len(usage)
		if pad < 1 {
			pad = 1
		}
		fmt.Print(strings.Repeat(" ", pad))
		color.Info.Println(c.Desc)
	}
	fmt.Println()
}

// Main is the CLI entrypoint for the ebd binary.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		for {
			select {
			case sig := <-sigs:
				if isCriticalAtomic.Load() == 1 {
					colArrow.Print("\n-> ")
					colError.Printf("Critical operation in progress (packaging). Press Ctrl+C AGAIN to force exit NOW.\n")
					select {
					case <-sigs:
						colArrow.Print("\n-> ")
						colError.Printf("Forced immediate exit.")
						os.Exit(130)
					case <-time.After(5 * time.Second):
						continue
					case <-ctx.Done():
						return
					}
				} else {
					colArrow.Print("\n-> ")
					color.Danger.Printf("Received %v. Cancelling gracefully\n", sig)
					cancel()
					time.Sleep(100 * time.Millisecond)
					select {
					case <-sigs:
						colArrow.Print("\n-> ")
						color.Danger.Printf("Second interrupt received. Forcing immediate exit.")
						os.Exit(130)
					case <-time.After(2 * time.Second):
						colArrow.Print("\n-> ")
						color.Danger.Printf("Graceful shutdown timeout. Exiting.")
						os.Exit(0)
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if len(os.Args) < 2 {
		printHelp()
		return
	}

	cfg, err := loadConfig(ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to read %s: %v\n", ConfigFile, err)
	}
	initConfig(cfg)

	UserExec = NewExecutor(ctx)
	RootExec = &Executor{Context: ctx, ShouldRunAsRoot: true}

	var exitCode int

	switch os.Args[1] {
	case "build", "b":
		fs := flag.NewFlagSet("build", flag.ExitOnError)
		runTests := fs.Bool("test", false, "run the src_test phase")
		keepTree := fs.Bool("keep", false, "keep the build tree after success")
		fs.Parse(os.Args[2:])
		if fs.NArg() == 0 {
			fmt.Fprintln(os.Stderr, "Usage: ebd build [-test] [-keep] <pkg>...")
			exitCode = 1
			break
		}
		opts := BuildOptions{RunTests: *runTests, KeepTree: *keepTree}
		for _, pkg := range fs.Args() {
			if _, err := pkgBuild(pkg, UserExec, opts); err != nil {
				colArrow.Print("-> ")
				colError.Printf("%v\n", err)
				exitCode = 1
				break
			}
		}

	case "phase":
		fs := flag.NewFlagSet("phase", flag.ExitOnError)
		fs.Parse(os.Args[2:])
		if fs.NArg() != 2 {
			fmt.Fprintln(os.Stderr, "Usage: ebd phase <pkg> <phase>")
			exitCode = 1
			break
		}
		if err := runSinglePhase(fs.Arg(0), fs.Arg(1), UserExec); err != nil {
			colArrow.Print("-> ")
			colError.Printf("%v\n", err)
			exitCode = 1
		}

	case "eapi":
		fs := flag.NewFlagSet("eapi", flag.ExitOnError)
		fs.Parse(os.Args[2:])
		var err error
		if fs.NArg() == 0 {
			err = showLevelChain()
		} else {
			err = showLevel(fs.Arg(0))
		}
		if err != nil {
			colArrow.Print("-> ")
			colError.Printf("%v\n", err)
			exitCode = 1
		}

	case "checksum", "c":
		fs := flag.NewFlagSet("checksum", flag.ExitOnError)
		verifyOnly := fs.Bool("verify", false, "verify instead of regenerating")
		fs.Parse(os.Args[2:])
		if fs.NArg() == 0 {
			fmt.Fprintln(os.Stderr, "Usage: ebd checksum [-verify] <pkg>...")
			exitCode = 1
			break
		}
		for _, pkg := range fs.Args() {
			meta, err := loadPackageMeta(pkg)
			if err == nil {
				err = generateChecksums(meta, DistDir, *verifyOnly)
			}
			if err != nil {
				colArrow.Print("-> ")
				colError.Printf("%v\n", err)
				exitCode = 1
				break
			}
		}

	case "log":
		exitCode = runTUI()

	case "publish":
		fs := flag.NewFlagSet("publish", flag.ExitOnError)
		cleanup := fs.Bool("cleanup", false, "prune superseded remote versions")
		fs.Parse(os.Args[2:])
		if err := handlePublishCommand(ctx, cfg, *cleanup); err != nil {
			colArrow.Print("-> ")
			colError.Printf("%v\n", err)
			exitCode = 1
		}

	case "keygen":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: ebd keygen <id>")
			exitCode = 1
			break
		}
		if err := GenerateKeyPair(os.Args[2]); err != nil {
			colArrow.Print("-> ")
			colError.Printf("%v\n", err)
			exitCode = 1
		}

	case "version", "--version":
		fmt.Printf("ebd %s (%s, built %s)\n", version, arch, buildDate)

	case "help", "-h", "--help":
		printHelp()

	default:
		colError.Printf("Unknown command: %s\n", os.Args[1])
		printHelp()
		exitCode = 1
	}

	signal.Stop(sigs)
	os.Exit(exitCode)
}

// showLevelChain lists the built-in catalog base-first with each level's own
// phase overrides.
func showLevelChain() error {
	var lines []string
	lines = append(lines, colInfo.Sprint("API level succession:"))
	for _, id := range KnownLevels() {
		lv, ok := Levels.Lookup(id)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownLevel, id)
		}
		from := "base"
		if lv.Parent != "" {
			from = "extends " + lv.Parent
		}
		own := sortedPhaseNames(lv.Phases)
		detail := "no phase changes"
		if len(own) > 0 {
			detail = "overrides " + strings.Join(own, ", ")
		}
		lines = append(lines, fmt.Sprintf("  %s  (%s)  %s", color.Bold.Sprint(id), from, detail))
	}
	return RunPager("API levels", lines)
}

// showLevel prints one level's resolved table, annotated with the level each
// binding came from, plus the resolved build sequence.
func showLevel(id string) error {
	table, err := Resolve(Levels, id)
	if err != nil {
		return err
	}

	origins, err := phaseOrigins(Levels, id)
	if err != nil {
		return err
	}

	var lines []string
	lines = append(lines, colInfo.Sprintf("Resolved phase table for API level %s:", id))
	for _, name := range table.Names() {
		lines = append(lines, fmt.Sprintf("  %-16s defined by level %s", name, origins[name]))
	}
	lines = append(lines, "")
	lines = append(lines, colInfo.Sprint("Build sequence:"))
	lines = append(lines, "  "+strings.Join(table.Sequence, " -> "))
	return RunPager("API level "+id, lines)
}

// phaseOrigins walks the chain like Resolve does, but records which level
// contributed each winning binding. Display only; the table itself keeps no
// such trace.
func phaseOrigins(src LevelSource, id string) (map[string]string, error) {
	var chain []*Level
	seen := make(map[string]bool)
	for cur := id; ; {
		if seen[cur] {
			return nil, fmt.Errorf("%w: %q reached via %q", ErrCycleDetected, cur, id)
		}
		seen[cur] = true
		lv, ok := src.Lookup(cur)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownLevel, cur)
		}
		chain = append(chain, lv)
		if lv.Parent == "" {
			break
		}
		cur = lv.Parent
	}

	origins := make(map[string]string)
	for i := len(chain) - 1; i >= 0; i-- {
		for name := range chain[i].Phases {
			origins[name] = chain[i].ID
		}
	}
	return origins, nil
}

func sortedPhaseNames(phases map[string]PhaseFunc) []string {
	t := PhaseTable{Phases: phases}
	return t.Names()
}
