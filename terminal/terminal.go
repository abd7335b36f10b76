// Package terminal is the interactive shell driving a session manager.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/golang/glog"
	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"

	"github.com/tnt2402/jvm-explorer/api"
	"github.com/tnt2402/jvm-explorer/classtree"
	"github.com/tnt2402/jvm-explorer/session"
)

// Sessions is the session surface the shell drives. session.Manager
// satisfies it when its Deliver is the shell's Executor.
type Sessions interface {
	Attach(target api.TargetProcess, done func(error))
	Detach()
	ListLoadedClasses(onProgress func(int), done func([]api.LoadedClass, error))
	FetchClassContent(className string, done func(*api.ClassContent, error))
	WriteField(className, fieldName, value string, done func(bool, error))
	Subscribe(fn func(api.Event)) func()
	Current() *session.Session
	// Progress is the percentage of a class listing in flight, or -1.
	Progress() int
}

// TargetLister lists attachable processes. proctl.Registry satisfies it.
type TargetLister interface {
	ListTargets(ctx context.Context) ([]api.TargetProcess, error)
}

// errSessionEnded is returned when the session a command waits on is
// detached or replaced elsewhere, so its result will never arrive.
var errSessionEnded = errors.New("session ended before the command completed")

type Term struct {
	sessions    Sessions
	targets     TargetLister
	exec        *Executor
	prompt      string
	line        *liner.State
	out         io.Writer
	styles      styles
	historyFile string
	cmds        *Commands

	cache *cache

	// pending is the session a command is waiting on.
	pending   string
	abandoned bool
	failing   bool
	progress  bool
}

type cache struct {
	targets []api.TargetProcess
	classes []api.LoadedClass
	tree    *classtree.Node
}

type styles struct {
	title lipgloss.Style
	group lipgloss.Style
	faint lipgloss.Style
	ok    lipgloss.Style
	err   lipgloss.Style
}

func newStyles(out io.Writer) styles {
	r := lipgloss.NewRenderer(out)
	return styles{
		title: r.NewStyle().Foreground(lipgloss.Color("57")).Bold(true),
		group: r.NewStyle().Bold(true),
		faint: r.NewStyle().Foreground(lipgloss.Color("240")),
		ok:    r.NewStyle().Foreground(lipgloss.Color("34")),
		err:   r.NewStyle().Foreground(lipgloss.Color("160")),
	}
}

// New returns a shell on the process terminal. historyFile may be empty.
func New(sessions Sessions, targets TargetLister, exec *Executor, historyFile string) *Term {
	t := newTerm(sessions, targets, exec, os.Stdout)
	t.line = liner.NewLiner()
	t.line.SetCtrlCAborts(true)
	t.historyFile = historyFile
	return t
}

func newTerm(sessions Sessions, targets TargetLister, exec *Executor, out io.Writer) *Term {
	return &Term{
		sessions: sessions,
		targets:  targets,
		exec:     exec,
		prompt:   "(jvmx) ",
		out:      out,
		styles:   newStyles(out),
		cmds:     DefaultCommands(),
		cache:    &cache{},
	}
}

func interactive() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

// Run reads and executes commands until exit or end of input. The session
// is detached on the way out.
func (t *Term) Run() error {
	defer t.line.Close()
	unsubscribe := t.sessions.Subscribe(t.onEvent)
	defer unsubscribe()

	tty := interactive()
	if tty {
		t.readHistory()
		fmt.Fprintln(t.out, "Type 'help' for list of commands.")
	}

	for {
		stop := t.drainWhileIdle()
		cmdstr, err := t.promptForInput()
		stop()
		if err != nil {
			if err == liner.ErrPromptAborted {
				continue
			}
			if err == io.EOF {
				break
			}
			return fmt.Errorf("prompt for input failed: %w", err)
		}
		if strings.TrimSpace(cmdstr) == "" {
			continue
		}
		if err := t.Execute(cmdstr); err != nil {
			if errors.Is(err, errExit) {
				break
			}
			fmt.Fprintln(t.out, t.styles.err.Render("Command failed: "+err.Error()))
		}
	}

	if tty {
		t.writeHistory()
	}
	if t.sessions.Current() != nil {
		fmt.Fprintln(t.out, "Detaching from process...")
		t.sessions.Detach()
		t.exec.Drain()
	}
	return nil
}

// drainWhileIdle runs delivered callbacks in the background while the shell
// waits at the prompt. stop returns once the drainer has exited, so callbacks
// never run concurrently with a command.
func (t *Term) drainWhileIdle() (stop func()) {
	quit := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			t.exec.Drain()
			select {
			case <-t.exec.Ready():
			case <-quit:
				return
			}
		}
	}()
	return func() {
		close(quit)
		<-stopped
	}
}

// Execute runs one command line.
func (t *Term) Execute(cmdline string) error {
	name, args := parseCommand(cmdline)
	return t.cmds.Find(name)(t, args)
}

func (t *Term) readHistory() {
	if t.historyFile == "" {
		return
	}
	f, err := os.Open(t.historyFile)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := t.line.ReadHistory(f); err != nil {
		glog.V(1).Infof("reading shell history: %v", err)
	}
}

func (t *Term) writeHistory() {
	if t.historyFile == "" {
		return
	}
	f, err := os.OpenFile(t.historyFile, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		glog.Warningf("writing shell history: %v", err)
		return
	}
	defer f.Close()
	if _, err := t.line.WriteHistory(f); err != nil {
		glog.Warningf("writing shell history: %v", err)
	}
}

// call starts an operation and waits for its result, running delivered
// callbacks on the shell goroutine meanwhile.
func (t *Term) call(start func(done func(error))) error {
	finished := make(chan struct{})
	var result error
	start(func(err error) {
		result = err
		close(finished)
	})

	t.pending, t.abandoned, t.failing = "", false, false
	if s := t.sessions.Current(); s != nil {
		t.pending = s.ID
	}
	defer func() { t.pending = "" }()

	for {
		select {
		case <-finished:
			t.exec.Drain()
			t.endProgress()
			return result
		case <-t.exec.Ready():
			t.exec.Drain()
			if !t.abandoned {
				continue
			}
			t.endProgress()
			select {
			case <-finished:
				return result
			default:
				return errSessionEnded
			}
		}
	}
}

func (t *Term) onEvent(ev api.Event) {
	if ev.Name != api.StateChanged || ev.StateChanged == nil {
		return
	}
	sc := ev.StateChanged
	if sc.SessionID != "" && sc.SessionID == t.pending {
		switch sc.State {
		case session.Failed.String():
			t.failing = true
		case session.Detached.String():
			if sc.Error == "" && !t.failing {
				t.abandoned = true
			}
		}
	}

	target := "process"
	if sc.Target != nil {
		target = fmt.Sprintf("%d (%s)", sc.Target.PID, sc.Target.DisplayName)
	}
	t.endProgress()
	switch sc.State {
	case session.Attaching.String():
		t.cache.classes, t.cache.tree = nil, nil
		fmt.Fprintf(t.out, "attaching to %s...\n", target)
	case session.Attached.String():
		fmt.Fprintln(t.out, t.styles.ok.Render("attached to "+target))
	case session.Failed.String():
		fmt.Fprintln(t.out, t.styles.err.Render("attach to "+target+" failed"))
	case session.Detached.String():
		t.cache.classes, t.cache.tree = nil, nil
		if sc.Error != "" {
			fmt.Fprintln(t.out, t.styles.err.Render("lost "+target+": "+sc.Error))
			return
		}
		fmt.Fprintln(t.out, "detached from "+target)
	}
}

func (t *Term) showProgress(percent int) {
	t.progress = true
	fmt.Fprintf(t.out, "\rloading classes %3d%%", percent)
}

func (t *Term) endProgress() {
	if t.progress {
		t.progress = false
		fmt.Fprintln(t.out)
	}
}

func parseCommand(cmdstr string) (string, []string) {
	vals := strings.Fields(cmdstr)
	if len(vals) == 0 {
		return "", nil
	}
	return vals[0], vals[1:]
}
