// Package cli provides the interactive shell used to poke at the lock
// hierarchy: begin transactions, take and release locks, watch queues and
// saturation. Development tooling only; the lock core is a library.
package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/yangryan0/Sp19HW5/internal/config"
	"github.com/yangryan0/Sp19HW5/internal/logger"
	"github.com/yangryan0/Sp19HW5/pkg/lock"
	"github.com/yangryan0/Sp19HW5/pkg/txn"
)

// blockedReportDelay is how long a mutating command may run before the shell
// reports the transaction as blocked and returns to the prompt.
const blockedReportDelay = 150 * time.Millisecond

// REPL implements the Read-Eval-Print loop over a lock manager.
type REPL struct {
	cfg  *config.Config
	log  *logger.Logger
	mgr  *lock.Manager
	txns *txn.Manager
	rl   *readline.Instance

	mu      sync.Mutex
	byName  map[string]*txn.Transaction
	pending map[txn.TxID]string // resource a blocked txn is waiting on
	current string

	// sized tracks contexts that already received the default capacity.
	sized map[string]bool
}

// NewREPL creates a new shell over a fresh lock manager.
func NewREPL(cfg *config.Config, log *logger.Logger) *REPL {
	return &REPL{
		cfg:     cfg,
		log:     log,
		mgr:     lock.NewManager(log.Named("lock")),
		txns:    txn.NewManager(),
		byName:  make(map[string]*txn.Transaction),
		pending: make(map[txn.TxID]string),
		sized:   make(map[string]bool),
	}
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          r.cfg.Shell.Prompt,
		HistoryFile:     r.cfg.Shell.HistoryFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    newCompleter(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer rl.Close()
	r.rl = rl

	fmt.Println("Multigranularity lock shell. Type help for commands.")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err == io.EOF {
			fmt.Println("bye")
			return nil
		} else if err != nil {
			return fmt.Errorf("readline error: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if r.dispatch(line) {
			fmt.Println("bye")
			return nil
		}
	}
}

// dispatch runs one command line, returning true on exit.
func (r *REPL) dispatch(line string) bool {
	parts := strings.Fields(line)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "exit", "quit", "\\q":
		return true
	case "help", "\\?":
		r.printHelp()
	case "\\clear":
		fmt.Print("\033[H\033[2J")
	case "\\status":
		r.printStatus()
	case "\\config":
		r.printConfig()
	case "begin":
		r.cmdBegin()
	case "use":
		r.cmdUse(args)
	case "txns":
		r.cmdTxns()
	case "acquire", "release", "promote", "escalate":
		r.cmdMutate(cmd, args)
	case "locks":
		r.cmdLocks(args)
	case "tree":
		r.cmdTree()
	case "held":
		r.cmdHeld(args)
	case "explicit", "effective", "saturation":
		r.cmdQuery(cmd, args)
	case "capacity":
		r.cmdCapacity(args)
	case "disable":
		r.cmdDisable(args)
	default:
		fmt.Printf("unknown command: %s (try help)\n", cmd)
	}
	return false
}

func (r *REPL) cmdBegin() {
	t := r.txns.Begin()
	name := fmt.Sprintf("t%d", t.ID())

	r.mu.Lock()
	r.byName[name] = t
	r.current = name
	r.mu.Unlock()

	fmt.Printf("%s started (current)\n", name)
}

func (r *REPL) cmdUse(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: use <txn>")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[args[0]]; !ok {
		fmt.Printf("no such transaction: %s\n", args[0])
		return
	}
	r.current = args[0]
	fmt.Printf("current transaction: %s\n", args[0])
}

func (r *REPL) cmdTxns() {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := r.byName[name]
		marker := " "
		if name == r.current {
			marker = "*"
		}
		fmt.Printf("%s %s  %s\n", marker, name, t.Status())
	}
}

// currentTxn returns the selected transaction, rejecting ones that are
// still blocked on an earlier command.
func (r *REPL) currentTxn() (*txn.Transaction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == "" {
		fmt.Println("no transaction; run begin first")
		return nil, false
	}
	t := r.byName[r.current]
	if res, blocked := r.pending[t.ID()]; blocked {
		fmt.Printf("%s is blocked waiting for %s\n", r.current, res)
		return nil, false
	}
	return t, true
}

// resolve walks a path like database/orders/page3 down the context tree.
func (r *REPL) resolve(path string) (*lock.Context, error) {
	segs := strings.Split(path, "/")
	var ctx *lock.Context
	if segs[0] == "database" {
		ctx = r.mgr.DatabaseContext()
	} else {
		c, err := r.mgr.OrphanContext(segs[0])
		if err != nil {
			return nil, err
		}
		ctx = c
	}
	r.applyDefaultCapacity(ctx)
	for _, seg := range segs[1:] {
		ctx = ctx.Child(seg)
		r.applyDefaultCapacity(ctx)
	}
	return ctx, nil
}

func (r *REPL) applyDefaultCapacity(ctx *lock.Context) {
	if r.cfg.Lock.DefaultCapacity <= 0 {
		return
	}
	r.mu.Lock()
	seen := r.sized[ctx.Name().String()]
	r.sized[ctx.Name().String()] = true
	r.mu.Unlock()
	if !seen {
		ctx.SetCapacity(r.cfg.Lock.DefaultCapacity)
	}
}

func parseMode(s string) (lock.Mode, bool) {
	switch strings.ToUpper(s) {
	case "NL":
		return lock.ModeNL, true
	case "IS":
		return lock.ModeIS, true
	case "IX":
		return lock.ModeIX, true
	case "S":
		return lock.ModeS, true
	case "SIX":
		return lock.ModeSIX, true
	case "X":
		return lock.ModeX, true
	default:
		return lock.ModeNL, false
	}
}

// cmdMutate runs acquire/release/promote/escalate for the current
// transaction. The operation runs on its own goroutine: if it has not
// finished within blockedReportDelay, the transaction is reported blocked
// and the prompt comes back; the grant is announced when it lands.
func (r *REPL) cmdMutate(cmd string, args []string) {
	t, ok := r.currentTxn()
	if !ok {
		return
	}

	var path string
	var mode lock.Mode
	switch cmd {
	case "acquire", "promote":
		if len(args) != 2 {
			fmt.Printf("usage: %s <path> <mode>\n", cmd)
			return
		}
		m, ok := parseMode(args[1])
		if !ok {
			fmt.Printf("unknown mode: %s\n", args[1])
			return
		}
		path, mode = args[0], m
	case "release", "escalate":
		if len(args) != 1 {
			fmt.Printf("usage: %s <path>\n", cmd)
			return
		}
		path = args[0]
	}

	ctx, err := r.resolve(path)
	if err != nil {
		fmt.Println(err)
		return
	}

	name := r.currentName()
	done := make(chan error, 1)
	go func() {
		var err error
		switch cmd {
		case "acquire":
			err = ctx.Acquire(t, mode)
		case "release":
			err = ctx.Release(t)
		case "promote":
			err = ctx.Promote(t, mode)
		case "escalate":
			err = ctx.Escalate(t)
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			fmt.Println(err)
			return
		}
		fmt.Printf("%s: %s %s ok\n", name, cmd, path)
		r.maybeAutoEscalate(t, ctx)
	case <-time.After(blockedReportDelay):
		r.mu.Lock()
		r.pending[t.ID()] = path
		r.mu.Unlock()
		fmt.Printf("%s blocked waiting for %s\n", name, path)
		go func() {
			err := <-done
			r.mu.Lock()
			delete(r.pending, t.ID())
			r.mu.Unlock()
			if err != nil {
				fmt.Printf("\n%s: %s %s failed: %v\n", name, cmd, path, err)
				return
			}
			fmt.Printf("\n%s: %s %s granted\n", name, cmd, path)
		}()
	}
}

// maybeAutoEscalate escalates the parent context once this transaction's
// saturation there crosses the configured threshold.
func (r *REPL) maybeAutoEscalate(t *txn.Transaction, ctx *lock.Context) {
	if !r.cfg.Lock.AutoEscalate {
		return
	}
	parent := ctx.Parent()
	if parent == nil {
		return
	}
	sat := parent.Saturation(t.ID())
	if sat < r.cfg.Lock.EscalationThreshold {
		return
	}
	if err := parent.Escalate(t); err != nil {
		fmt.Printf("auto-escalate %s: %v\n", parent.Name(), err)
		return
	}
	fmt.Printf("auto-escalated %s (saturation %.2f)\n", parent.Name(), sat)
}

func (r *REPL) currentName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *REPL) cmdLocks(args []string) {
	name := r.currentName()
	if len(args) == 1 {
		name = args[0]
	}
	r.mu.Lock()
	t, ok := r.byName[name]
	r.mu.Unlock()
	if !ok {
		fmt.Printf("no such transaction: %s\n", name)
		return
	}
	locks := r.mgr.GetLocksHeldBy(t.ID())
	if len(locks) == 0 {
		fmt.Printf("%s holds no locks\n", name)
		return
	}
	for _, l := range locks {
		fmt.Printf("  %-4s %s\n", l.Mode, l.Name)
	}
}

// cmdTree prints every materialized context with the locks granted on it.
func (r *REPL) cmdTree() {
	roots := r.mgr.Roots()
	if len(roots) == 0 {
		fmt.Println("no contexts yet")
		return
	}
	for _, root := range roots {
		r.printSubtree(root, 0)
	}
}

func (r *REPL) printSubtree(ctx *lock.Context, depth int) {
	segs := ctx.Name().Segments()
	label := segs[len(segs)-1]

	var holders []string
	for _, l := range r.mgr.GetLocks(ctx.Name()) {
		holders = append(holders, fmt.Sprintf("t%d:%s", l.TxID, l.Mode))
	}
	line := strings.Repeat("  ", depth) + label
	if len(holders) > 0 {
		line += "  [" + strings.Join(holders, " ") + "]"
	}
	fmt.Println(line)

	for _, child := range ctx.Children() {
		r.printSubtree(child, depth+1)
	}
}

func (r *REPL) cmdHeld(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: held <path>")
		return
	}
	ctx, err := r.resolve(args[0])
	if err != nil {
		fmt.Println(err)
		return
	}
	locks := r.mgr.GetLocks(ctx.Name())
	if len(locks) == 0 {
		fmt.Printf("no locks on %s\n", args[0])
		return
	}
	for _, l := range locks {
		fmt.Printf("  t%d %s\n", l.TxID, l.Mode)
	}
}

func (r *REPL) cmdQuery(cmd string, args []string) {
	if len(args) != 1 {
		fmt.Printf("usage: %s <path>\n", cmd)
		return
	}
	t, ok := r.currentTxn()
	if !ok {
		return
	}
	ctx, err := r.resolve(args[0])
	if err != nil {
		fmt.Println(err)
		return
	}
	switch cmd {
	case "explicit":
		fmt.Println(ctx.ExplicitLockType(t.ID()))
	case "effective":
		fmt.Println(ctx.EffectiveLockType(t.ID()))
	case "saturation":
		fmt.Printf("%.2f (capacity %d)\n", ctx.Saturation(t.ID()), ctx.Capacity())
	}
}

func (r *REPL) cmdCapacity(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: capacity <path> <n>")
		return
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n < 0 {
		fmt.Printf("bad capacity: %s\n", args[1])
		return
	}
	ctx, err := r.resolve(args[0])
	if err != nil {
		fmt.Println(err)
		return
	}
	ctx.SetCapacity(n)
	fmt.Printf("capacity of %s set to %d\n", args[0], n)
}

func (r *REPL) cmdDisable(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: disable <path>")
		return
	}
	ctx, err := r.resolve(args[0])
	if err != nil {
		fmt.Println(err)
		return
	}
	ctx.DisableChildLocks()
	fmt.Printf("child locks disabled under %s\n", args[0])
}

func (r *REPL) printStatus() {
	granted, waiting := r.mgr.Stats()
	fmt.Printf("granted locks:   %d\n", granted)
	fmt.Printf("queued requests: %d\n", waiting)
	fmt.Printf("transactions:    %d active\n", r.txns.Active())
}

func (r *REPL) printConfig() {
	fmt.Printf("lock.default_capacity:     %d\n", r.cfg.Lock.DefaultCapacity)
	fmt.Printf("lock.escalation_threshold: %g\n", r.cfg.Lock.EscalationThreshold)
	fmt.Printf("lock.auto_escalate:        %v\n", r.cfg.Lock.AutoEscalate)
	fmt.Printf("log.level:                 %s\n", r.cfg.Log.Level)
	fmt.Printf("log.format:                %s\n", r.cfg.Log.Format)
}

func (r *REPL) printHelp() {
	fmt.Println(`Commands
  begin                      start a transaction and make it current
  use <txn>                  switch the current transaction (e.g. use t1)
  txns                       list transactions

  acquire <path> <mode>      take a lock (modes: NL IS IX S SIX X)
  release <path>             release the lock at <path>
  promote <path> <mode>      upgrade the lock at <path>
  escalate <path>            fold descendant locks into one lock at <path>

  locks [txn]                locks held by a transaction, acquisition order
  held <path>                locks granted on a resource
  tree                       print the context tree with granted locks
  explicit <path>            mode held directly at <path>
  effective <path>           mode implied at <path> by ancestors
  saturation <path>          fraction of children locked
  capacity <path> <n>        set child count used by saturation
  disable <path>             make future children of <path> read-only

  \status \config \clear     shell meta-commands
  help, exit

Paths are slash-separated, rooted at "database" or an orphan root:
  acquire database IX
  acquire database/orders IX
  acquire database/orders/page3 X`)
}

func newCompleter() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("begin"),
		readline.PcItem("use"),
		readline.PcItem("txns"),
		readline.PcItem("acquire"),
		readline.PcItem("release"),
		readline.PcItem("promote"),
		readline.PcItem("escalate"),
		readline.PcItem("locks"),
		readline.PcItem("held"),
		readline.PcItem("tree"),
		readline.PcItem("explicit"),
		readline.PcItem("effective"),
		readline.PcItem("saturation"),
		readline.PcItem("capacity"),
		readline.PcItem("disable"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
		readline.PcItem("\\status"),
		readline.PcItem("\\config"),
		readline.PcItem("\\clear"),
		readline.PcItem("\\q"),
	)
}
