package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/peterh/liner"
	"gopkg.in/yaml.v3"

	p44script "github.com/plan44/go-p44script"
)

const (
	appName     = "p44s"
	historyFile = ".p44s_history"
	promptMain  = "p44> "
)

func red(s string) string  { return "\x1b[31m" + s + "\x1b[0m" }
func blue(s string) string { return "\x1b[94m" + s + "\x1b[0m" }

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "run":
		os.Exit(cmdRun(os.Args[2:]))
	case "repl":
		os.Exit(cmdRepl(os.Args[2:]))
	case "check":
		os.Exit(cmdCheck(os.Args[2:]))
	case "watch":
		os.Exit(cmdWatch(os.Args[2:]))
	case "-h", "--help", "help":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "%s: unknown command %q\n", appName, cmd)
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Printf(`p44script runtime

Usage:
  %s run <file.p44>                       Run a script, print its result.
  %s repl                                 Start the interactive REPL.
  %s check <file.p44>                     Syntax-check a script.
  %s check -fixtures <fixtures.yaml>      Run expression fixtures.
  %s watch <file.p44>                     Run a script, restart on edits.

`, appName, appName, appName, appName, appName)
}

// -----------------------------------------------------------------------------
// run
// -----------------------------------------------------------------------------

func cmdRun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "usage: %s run <file.p44>\n", appName)
		return 2
	}
	src, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: cannot read %s: %v\n", appName, args[0], err)
		return 1
	}

	loop := p44script.NewMainLoop()
	domain := p44script.NewDomain(loop)
	host := domain.NewScriptHost(args[0], string(src))

	ret := 0
	_, serr := host.Start(func(result p44script.Value) {
		if e := result.Err(); e != nil {
			fmt.Fprintln(os.Stderr, red(p44script.WrapErrorWithName(e, args[0], string(src)).Error()))
			ret = 1
		} else if result.Defined() {
			fmt.Println(blue(result.StrValue()))
		}
		loop.Stop()
	})
	if serr != nil {
		fmt.Fprintln(os.Stderr, red(p44script.WrapErrorWithName(serr, args[0], string(src)).Error()))
		return 1
	}
	loop.Run()
	return ret
}

// -----------------------------------------------------------------------------
// repl
// -----------------------------------------------------------------------------

func cmdRepl(_ []string) int {
	fmt.Println("p44script REPL. Ctrl+C cancels input, Ctrl+D exits. Type :quit to exit.")

	home, _ := os.UserHomeDir()
	histPath := filepath.Join(home, historyFile)

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	defer func() {
		if f, err := os.Create(histPath); err == nil {
			_, _ = ln.WriteHistory(f)
			_ = f.Close()
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigc)
	go func() {
		<-sigc
		ln.Close()
		os.Exit(130)
	}()

	if f, err := os.Open(histPath); err == nil {
		_, _ = ln.ReadHistory(f)
		_ = f.Close()
	}

	loop := p44script.NewMainLoop()
	domain := p44script.NewDomain(loop)
	ctx := domain.NewContext()

	for {
		code, err := ln.Prompt(promptMain)
		if errors.Is(err, io.EOF) {
			fmt.Println()
			return 0
		}
		if err != nil {
			continue
		}
		if strings.TrimSpace(code) == "" {
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(code), ":") {
			switch strings.TrimSpace(strings.ToLower(code)) {
			case ":quit":
				return 0
			default:
				fmt.Println("unknown command. Type :quit to exit.")
			}
			continue
		}

		// each line is full source; declarations persist, variables too
		source := p44script.NewSourceContainer("repl", code)
		ctx.Execute(source.BeginningOfSource(), p44script.Regular|p44script.SourceCode|p44script.KeepVars,
			func(result p44script.Value) {
				if e := result.Err(); e != nil {
					fmt.Fprintln(os.Stderr, red(p44script.WrapErrorWithSource(e, code).Error()))
				} else if result.Defined() {
					fmt.Println(blue(result.StrValue()))
				}
				loop.Stop()
			})
		loop.Run()
		ln.AppendHistory(code)
	}
}

// -----------------------------------------------------------------------------
// check
// -----------------------------------------------------------------------------

// fixture is one declarative expression test: evaluate source, compare the
// rendered result string.
type fixture struct {
	Name   string `yaml:"name"`
	Source string `yaml:"source"`
	Want   string `yaml:"want"`
	Error  bool   `yaml:"error"` // expect an error result
}

func cmdCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	fixtures := fs.String("fixtures", "", "YAML file with expression fixtures")
	_ = fs.Parse(args)

	if *fixtures != "" {
		return runFixtures(*fixtures)
	}
	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "usage: %s check <file.p44> | %s check -fixtures <file.yaml>\n", appName, appName)
		return 2
	}
	file := fs.Arg(0)
	src, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: cannot read %s: %v\n", appName, file, err)
		return 1
	}
	domain := p44script.NewDomain(p44script.NewMainLoop())
	host := domain.NewScriptHost(file, string(src))
	if serr := host.Check(); serr != nil {
		fmt.Fprintln(os.Stderr, red(p44script.WrapErrorWithName(serr, file, string(src)).Error()))
		return 1
	}
	fmt.Printf("%s: OK\n", file)
	return 0
}

func runFixtures(file string) int {
	data, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: cannot read %s: %v\n", appName, file, err)
		return 1
	}
	var cases []fixture
	if err := yaml.Unmarshal(data, &cases); err != nil {
		fmt.Fprintf(os.Stderr, "%s: bad fixtures file: %v\n", appName, err)
		return 1
	}

	failed := 0
	for _, fc := range cases {
		loop := p44script.NewMainLoop()
		domain := p44script.NewDomain(loop)
		ctx := domain.NewContext()
		source := p44script.NewSourceContainer(fc.Name, fc.Source)
		var got string
		var gotErr bool
		ctx.Execute(source.BeginningOfSource(), p44script.Regular|p44script.SourceCode,
			func(result p44script.Value) {
				gotErr = result.Err() != nil
				got = result.StrValue()
				loop.Stop()
			})
		loop.Run()
		switch {
		case fc.Error != gotErr:
			fmt.Printf("FAIL %s: error=%v, want error=%v (%s)\n", fc.Name, gotErr, fc.Error, got)
			failed++
		case !fc.Error && got != fc.Want:
			fmt.Printf("FAIL %s: got %q, want %q\n", fc.Name, got, fc.Want)
			failed++
		default:
			fmt.Printf("ok   %s\n", fc.Name)
		}
	}
	if failed > 0 {
		fmt.Printf("%d of %d fixtures failed\n", failed, len(cases))
		return 1
	}
	fmt.Printf("all %d fixtures passed\n", len(cases))
	return 0
}

// -----------------------------------------------------------------------------
// watch
// -----------------------------------------------------------------------------

// cmdWatch runs a script and restarts it whenever the file changes on disk:
// the edit aborts running threads, drops compiled artifacts and recompiles.
func cmdWatch(args []string) int {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "usage: %s watch <file.p44>\n", appName)
		return 2
	}
	file := args[0]
	src, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: cannot read %s: %v\n", appName, file, err)
		return 1
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		return 1
	}
	defer watcher.Close()
	// watch the directory: editors often replace the file on save
	if err := watcher.Add(filepath.Dir(file)); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		return 1
	}

	loop := p44script.NewMainLoop()
	domain := p44script.NewDomain(loop)
	host := domain.NewScriptHost(file, string(src))

	start := func() {
		_, serr := host.Restart(func(result p44script.Value) {
			if e := result.Err(); e != nil {
				fmt.Fprintln(os.Stderr, red(p44script.WrapErrorWithName(e, file, host.Source()).Error()))
			} else if result.Defined() {
				fmt.Println(blue(result.StrValue()))
			}
		})
		if serr != nil {
			fmt.Fprintln(os.Stderr, red(p44script.WrapErrorWithName(serr, file, host.Source()).Error()))
		}
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		loop.Stop()
	}()

	// feed file events into the mainloop; all script work stays on one
	// goroutine
	go func() {
		target := filepath.Clean(file)
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				loop.Post(func() {
					text, err := os.ReadFile(file)
					if err != nil {
						fmt.Fprintf(os.Stderr, "%s: cannot reread %s: %v\n", appName, file, err)
						return
					}
					if host.SetSource(string(text)) {
						fmt.Printf("%s changed, restarting\n", file)
						start()
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				fmt.Fprintf(os.Stderr, "%s: watch error: %v\n", appName, err)
			}
		}
	}()

	loop.Post(start)
	loop.Run()
	return 0
}
