package terminal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tnt2402/jvm-explorer/api"
	"github.com/tnt2402/jvm-explorer/classtree"
	"github.com/tnt2402/jvm-explorer/proctl"
)

type cmdfunc func(t *Term, args []string) error

type command struct {
	aliases []string
	usage   string
	helpMsg string
	cmdFn   cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

type Commands struct {
	cmds []command
}

// errExit stops the shell loop.
var errExit = errors.New("exit")

const listTimeout = 10 * time.Second

// Returns a Commands struct with default commands defined.
func DefaultCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, usage: "help", helpMsg: "Prints the help message.", cmdFn: c.help},
		{aliases: []string{"targets", "ps"}, usage: "targets", helpMsg: "Lists attachable processes.", cmdFn: targets},
		{aliases: []string{"attach", "a"}, usage: "attach <pid>", helpMsg: "Injects the agent into a process and opens a session.", cmdFn: attach},
		{aliases: []string{"detach"}, usage: "detach", helpMsg: "Ends the current session.", cmdFn: detach},
		{aliases: []string{"classes", "ls"}, usage: "classes [filter]", helpMsg: "Lists loaded classes, optionally filtered.", cmdFn: classes},
		{aliases: []string{"tree"}, usage: "tree [--loader] [filter]", helpMsg: "Shows loaded classes by package, or by class loader.", cmdFn: tree},
		{aliases: []string{"inspect", "i"}, usage: "inspect <class>", helpMsg: "Shows the fields of a class.", cmdFn: inspect},
		{aliases: []string{"edit", "set"}, usage: "edit <class> <field> <value>", helpMsg: "Writes a field.", cmdFn: edit},
		{aliases: []string{"status"}, usage: "status", helpMsg: "Shows the current session.", cmdFn: status},
		{aliases: []string{"exit", "quit", "q"}, usage: "exit", helpMsg: "Detaches and leaves the shell.", cmdFn: exit},
	}

	return c
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
func (c *Commands) Find(cmdstr string) cmdfunc {
	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

func noCmdAvailable(t *Term, args []string) error {
	return errors.New("command not available")
}

func (c *Commands) help(t *Term, args []string) error {
	fmt.Fprintln(t.out, t.styles.title.Render("The following commands are available:"))
	for _, cmd := range c.cmds {
		fmt.Fprintf(t.out, "    %-30s %s\n", cmd.usage, t.styles.faint.Render(cmd.helpMsg))
	}
	return nil
}

func exit(t *Term, args []string) error {
	return errExit
}

func (t *Term) listTargets() ([]api.TargetProcess, error) {
	ctx, cancel := context.WithTimeout(context.Background(), listTimeout)
	defer cancel()
	targets, err := t.targets.ListTargets(ctx)
	if err != nil {
		return nil, err
	}
	t.cache.targets = targets
	return targets, nil
}

func targets(t *Term, args []string) error {
	targets, err := t.listTargets()
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		fmt.Fprintln(t.out, "no attachable processes")
		return nil
	}
	fmt.Fprintln(t.out, t.styles.title.Render(fmt.Sprintf("%-8s %-8s %s", "PID", "RUNTIME", "NAME")))
	for _, p := range targets {
		fmt.Fprintf(t.out, "%-8d %-8s %s\n", p.PID, p.Runtime, p.DisplayName)
	}
	return nil
}

func (t *Term) findTarget(pid int) (api.TargetProcess, error) {
	for _, p := range t.cache.targets {
		if p.PID == pid {
			return p, nil
		}
	}
	targets, err := t.listTargets()
	if err != nil {
		return api.TargetProcess{}, err
	}
	for _, p := range targets {
		if p.PID == pid {
			return p, nil
		}
	}
	return api.TargetProcess{}, fmt.Errorf("no attachable process with pid %d", pid)
}

func attach(t *Term, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: attach <pid>")
	}
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid pid %q", args[0])
	}
	target, err := t.findTarget(pid)
	if err != nil {
		return err
	}

	err = t.call(func(done func(error)) {
		t.sessions.Attach(target, done)
	})
	var attachErr *proctl.AttachError
	if errors.As(err, &attachErr) && len(attachErr.Properties) > 0 {
		fmt.Fprintln(t.out, t.styles.faint.Render(strings.TrimSuffix(attachErr.Diagnostics(), "\n")))
	}
	return err
}

func detach(t *Term, args []string) error {
	if t.sessions.Current() == nil {
		return errors.New("not attached to a process")
	}
	t.sessions.Detach()
	t.exec.Drain()
	return nil
}

func status(t *Term, args []string) error {
	s := t.sessions.Current()
	if s == nil {
		fmt.Fprintln(t.out, "not attached")
		return nil
	}
	fmt.Fprintf(t.out, "session  %s\n", s.ID)
	fmt.Fprintf(t.out, "state    %s\n", s.State)
	fmt.Fprintf(t.out, "target   %d (%s, %s)\n", s.Target.PID, s.Target.DisplayName, s.Target.Runtime)
	if s.Config.Port != 0 {
		fmt.Fprintf(t.out, "agent    %s:%d %s\n", s.Config.HostName, s.Config.Port, t.styles.faint.Render(s.Config.Identifier))
	}
	fmt.Fprintf(t.out, "since    %s\n", s.CreatedAt.Format(time.RFC3339))
	if len(t.cache.classes) > 0 {
		fmt.Fprintf(t.out, "classes  %d\n", len(t.cache.classes))
	}
	if p := t.sessions.Progress(); p >= 0 {
		fmt.Fprintf(t.out, "loading  %d%%\n", p)
	}
	return nil
}

// loadClasses fetches the class listing and refreshes the cached tree.
func (t *Term) loadClasses() ([]api.LoadedClass, error) {
	var classes []api.LoadedClass
	err := t.call(func(done func(error)) {
		t.sessions.ListLoadedClasses(t.showProgress, func(c []api.LoadedClass, err error) {
			classes = c
			done(err)
		})
	})
	if err != nil {
		return nil, err
	}
	t.cache.classes = classes
	t.cache.tree = classtree.Build(classes, classtree.ByPackage)
	return classes, nil
}

func classes(t *Term, args []string) error {
	if _, err := t.loadClasses(); err != nil {
		return err
	}
	pred := classtree.CompilePredicate(strings.Join(args, " "))
	root := classtree.Prune(t.cache.tree, pred)
	visible := 0
	classtree.Walk(root, func(n *classtree.Node, _ int) bool {
		if n.Type == classtree.Class {
			visible++
			fmt.Fprintf(t.out, "%s %s\n", n.Class.Name, t.styles.faint.Render("["+loaderLabel(n.Class)+"]"))
		}
		return true
	})
	fmt.Fprintf(t.out, "%s classes\n", classtree.Summary(visible, classtree.CountClasses(t.cache.tree)))
	return nil
}

func tree(t *Term, args []string) error {
	mode := classtree.ByPackage
	var filter []string
	for _, a := range args {
		if a == "--loader" || a == "-l" {
			mode = classtree.ByClassLoader
			continue
		}
		filter = append(filter, a)
	}

	if t.cache.classes == nil {
		if _, err := t.loadClasses(); err != nil {
			return err
		}
	}
	full := t.cache.tree
	if mode == classtree.ByClassLoader {
		full = classtree.Build(t.cache.classes, mode)
	}
	root := classtree.Prune(full, classtree.CompilePredicate(strings.Join(filter, " ")))
	t.renderTree(root, mode)
	fmt.Fprintf(t.out, "%s classes\n", classtree.Summary(classtree.CountClasses(root), classtree.CountClasses(full)))
	return nil
}

func (t *Term) renderTree(root *classtree.Node, mode classtree.Mode) {
	classtree.Walk(root, func(n *classtree.Node, depth int) bool {
		if depth == 0 {
			return true
		}
		indent := strings.Repeat("  ", depth-1)
		if n.Type == classtree.Group {
			fmt.Fprintf(t.out, "%s%s\n", indent, t.styles.group.Render(n.Name()))
			return true
		}
		line := indent + n.Name()
		if mode == classtree.ByPackage {
			line += " " + t.styles.faint.Render("["+loaderLabel(n.Class)+"]")
		}
		fmt.Fprintln(t.out, line)
		return true
	})
}

func loaderLabel(c *api.LoadedClass) string {
	if c.LoaderID == "" {
		return classtree.BootstrapLoader
	}
	return c.LoaderID
}

// resolveClass expands a simple class name using the last listing.
func (t *Term) resolveClass(name string) string {
	if t.cache.tree == nil {
		return name
	}
	if n := classtree.Find(t.cache.tree, name); n != nil {
		return n.Class.Name
	}
	return name
}

func inspect(t *Term, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: inspect <class>")
	}
	name := t.resolveClass(args[0])

	var content *api.ClassContent
	err := t.call(func(done func(error)) {
		t.sessions.FetchClassContent(name, func(c *api.ClassContent, err error) {
			content = c
			done(err)
		})
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(t.out, "%s %s\n", t.styles.title.Render(content.Owner.Name),
		t.styles.faint.Render(fmt.Sprintf("(%d bytes)", len(content.Payload))))
	if len(content.Fields) == 0 {
		fmt.Fprintln(t.out, "no fields")
		return nil
	}
	nameWidth, typeWidth := 0, 0
	for _, f := range content.Fields {
		nameWidth = max(nameWidth, len(f.Name))
		typeWidth = max(typeWidth, len(f.Type))
	}
	for _, f := range content.Fields {
		fmt.Fprintf(t.out, "  %-*s %s = %s\n", nameWidth, f.Name,
			t.styles.faint.Render(fmt.Sprintf("%-*s", typeWidth, f.Type)), f.Value)
	}
	return nil
}

// edit joins everything after the field name into the value.
func edit(t *Term, args []string) error {
	if len(args) < 3 {
		return errors.New("usage: edit <class> <field> <value>")
	}
	className, fieldName := t.resolveClass(args[0]), args[1]
	value := strings.Join(args[2:], " ")

	var applied bool
	err := t.call(func(done func(error)) {
		t.sessions.WriteField(className, fieldName, value, func(ok bool, err error) {
			applied = ok
			done(err)
		})
	})
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("%s.%s was not updated", className, fieldName)
	}
	fmt.Fprintln(t.out, t.styles.ok.Render(fmt.Sprintf("%s.%s = %s", className, fieldName, value)))
	return nil
}
