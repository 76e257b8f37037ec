// Package fakevmm is a stand-in for qemu-system-x86_64 used by tests.
//
// A test binary calls Main from TestMain when EnvVar is set and passes
// os.Args[0] as the hypervisor binary, so the instance under test spawns
// the test binary itself. The fake understands the subset of the command
// line the harness renders: it writes the pidfile, serves the human
// monitor and QMP sockets, writes a boot banner to the serial target and
// binds the forwarded port. Like QEMU it refuses to start a TDX guest
// without firmware and rejects malformed JSON objects.
package fakevmm

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spin-stack/tdxharness/internal/testutil/sshtest"
)

const (
	// EnvVar switches the test binary into fake hypervisor mode.
	EnvVar = "TDXHARNESS_FAKE_VMM"
	// IgnorePowerdownEnv makes system_powerdown a no-op.
	IgnorePowerdownEnv = "TDXHARNESS_FAKE_VMM_IGNORE_POWERDOWN"
	// IgnoreTermEnv makes the process ignore SIGTERM.
	IgnoreTermEnv = "TDXHARNESS_FAKE_VMM_IGNORE_TERM"
	// SSHEnv serves SSH on the forwarded port, as a booted guest would.
	// "poweroff" commands stop the fake.
	SSHEnv = "TDXHARNESS_FAKE_VMM_SSH"

	// Banner is written to the serial console after startup.
	Banner = "fakevmm: TDX guest booted\nlogin: "

	// FirmwareError is printed when a TDX guest has no firmware.
	FirmwareError = "failed to parse TDVF for TDX VM"
)

// Enabled reports whether the current process should act as the fake.
func Enabled() bool {
	return os.Getenv(EnvVar) == "1"
}

// Env returns the environment entries that enable the fake.
func Env(extra ...string) []string {
	return append([]string{EnvVar + "=1"}, extra...)
}

type options struct {
	pidfile     string
	monitor     string
	qmp         string
	serialPath  string
	serialStdio bool
	hostPort    int
	tdx         bool
	firmware    bool
	objects     []string
}

// Main runs the fake with os.Args and exits.
func Main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := parse(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "qemu-system-x86_64: %v\n", err)
		return 1
	}
	if opts.tdx && !opts.firmware {
		fmt.Fprintf(os.Stderr, "qemu-system-x86_64: %s\n", FirmwareError)
		return 1
	}

	if os.Getenv(IgnoreTermEnv) == "1" {
		signal.Ignore(syscall.SIGTERM)
	}

	if opts.pidfile != "" {
		if err := os.WriteFile(opts.pidfile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600); err != nil {
			fmt.Fprintf(os.Stderr, "qemu-system-x86_64: cannot create PID file: %v\n", err)
			return 1
		}
	}

	vm := &machine{exit: make(chan int, 1), status: "running"}

	if opts.monitor != "" {
		l, err := listenUnix(opts.monitor)
		if err != nil {
			fmt.Fprintf(os.Stderr, "qemu-system-x86_64: -monitor: %v\n", err)
			return 1
		}
		go acceptLoop(l, vm.serveMonitor)
	}
	if opts.qmp != "" {
		l, err := listenUnix(opts.qmp)
		if err != nil {
			fmt.Fprintf(os.Stderr, "qemu-system-x86_64: -qmp: %v\n", err)
			return 1
		}
		go acceptLoop(l, vm.serveQMP)
	}
	if opts.hostPort != 0 {
		l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(opts.hostPort)))
		if err != nil {
			fmt.Fprintf(os.Stderr, "qemu-system-x86_64: -netdev user: could not set up host forwarding rule: %v\n", err)
			return 1
		}
		if os.Getenv(SSHEnv) == "1" {
			if _, err := sshtest.Serve(l, vm.guestExec); err != nil {
				fmt.Fprintf(os.Stderr, "qemu-system-x86_64: guest sshd: %v\n", err)
				return 1
			}
		} else {
			// slirp accepts and drops connections while the guest port is closed.
			go acceptLoop(l, func(c net.Conn) { _ = c.Close() })
		}
	}

	switch {
	case opts.serialStdio:
		fmt.Fprint(os.Stdout, Banner)
	case opts.serialPath != "":
		go writeSerial(opts.serialPath)
	}

	return <-vm.exit
}

func parse(args []string) (*options, error) {
	opts := &options{}
	for i := 0; i < len(args); i++ {
		flag := args[i]
		if !strings.HasPrefix(flag, "-") {
			return nil, fmt.Errorf("%s: Could not open '%s'", flag, flag)
		}
		if flag == "-nographic" || flag == "-nodefaults" || flag == "-no-user-config" {
			continue
		}
		if i+1 >= len(args) {
			return nil, fmt.Errorf("%s: requires an argument", flag)
		}
		i++
		val := args[i]

		switch flag {
		case "-pidfile":
			opts.pidfile = val
		case "-monitor":
			opts.monitor = unixPath(val)
		case "-qmp":
			opts.qmp = unixPath(val)
		case "-serial":
			opts.serialStdio = val == "stdio"
		case "-chardev":
			if p, ok := keyValues(val)["path"]; ok {
				opts.serialPath = p
			}
		case "-netdev":
			if fwd, ok := keyValues(val)["hostfwd"]; ok {
				// tcp::<host>-:<guest>
				host := strings.TrimPrefix(fwd, "tcp::")
				host, _, _ = strings.Cut(host, "-")
				port, err := strconv.Atoi(host)
				if err != nil {
					return nil, fmt.Errorf("-netdev %s: invalid host forwarding rule", val)
				}
				opts.hostPort = port
			}
		case "-machine":
			if strings.Contains(val, "confidential-guest-support=tdx") {
				opts.tdx = true
			}
		case "-bios":
			opts.firmware = true
		case "-drive":
			if strings.Contains(val, "if=pflash") {
				opts.firmware = true
			}
		case "-object":
			if strings.HasPrefix(val, "{") {
				var obj map[string]any
				if err := json.Unmarshal([]byte(val), &obj); err != nil {
					return nil, fmt.Errorf("-object %s: JSON parse error, %v", val, err)
				}
				if _, ok := obj["qom-type"]; !ok {
					return nil, fmt.Errorf("-object %s: Parameter 'qom-type' is missing", val)
				}
			}
			opts.objects = append(opts.objects, val)
		}
	}
	return opts, nil
}

func unixPath(v string) string {
	v = strings.TrimPrefix(v, "unix:")
	p, _, _ := strings.Cut(v, ",")
	return p
}

func keyValues(v string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(v, ",") {
		if k, val, ok := strings.Cut(part, "="); ok {
			out[k] = val
		}
	}
	return out
}

func listenUnix(path string) (net.Listener, error) {
	_ = os.Remove(path)
	return net.Listen("unix", path)
}

func acceptLoop(l net.Listener, serve func(net.Conn)) {
	for {
		c, err := l.Accept()
		if err != nil {
			return
		}
		go serve(c)
	}
}

// serial stays open for the life of the process, as QEMU keeps its chardev.
var serial *os.File

func writeSerial(path string) {
	// Opening a FIFO blocks until the reader is present, as it does for QEMU.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return
	}
	serial = f
	_, _ = fmt.Fprint(f, Banner)
}

type machine struct {
	mu     sync.Mutex
	status string
	exit   chan int
}

func (m *machine) shutdown(code int) {
	select {
	case m.exit <- code:
	default:
	}
}

func (m *machine) powerdown() {
	if os.Getenv(IgnorePowerdownEnv) == "1" {
		return
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		m.shutdown(0)
	}()
}

// guestExec emulates the guest powering itself off.
func (m *machine) guestExec(cmd string) bool {
	if !strings.Contains(cmd, "poweroff") {
		return false
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		m.shutdown(0)
	}()
	return true
}

func (m *machine) serveMonitor(c net.Conn) {
	defer func() { _ = c.Close() }()

	_, _ = fmt.Fprint(c, "QEMU 8.2.0 monitor - type 'help' for more information\r\n(qemu) ")
	r := bufio.NewReader(c)
	for {
		line, err := r.ReadString('\r')
		cmd := strings.TrimSpace(line)
		if cmd != "" {
			_, _ = fmt.Fprintf(c, "%s\r\n%s(qemu) ", cmd, m.monitorCommand(cmd))
		}
		if err != nil {
			return
		}
	}
}

func (m *machine) monitorCommand(cmd string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case cmd == "info status":
		return "VM status: " + m.status + "\r\n"
	case cmd == "system_powerdown":
		m.powerdown()
		return ""
	case cmd == "system_wakeup", cmd == "nmi":
		return ""
	case cmd == "stop":
		m.status = "paused"
		return ""
	case cmd == "cont":
		m.status = "running"
		return ""
	case strings.HasPrefix(cmd, "dump-guest-memory "):
		path := strings.TrimSpace(strings.TrimPrefix(cmd, "dump-guest-memory "))
		if err := os.WriteFile(path, []byte("ELF"), 0o600); err != nil {
			return "Error: " + err.Error() + "\r\n"
		}
		return ""
	case cmd == "quit":
		m.shutdown(0)
		return ""
	}
	name, _, _ := strings.Cut(cmd, " ")
	return fmt.Sprintf("unknown command: '%s'\r\n", name)
}

func (m *machine) serveQMP(c net.Conn) {
	defer func() { _ = c.Close() }()

	enc := json.NewEncoder(c)
	_ = enc.Encode(map[string]any{
		"QMP": map[string]any{
			"version": map[string]any{
				"qemu":    map[string]int{"major": 8, "minor": 2, "micro": 0},
				"package": "",
			},
			"capabilities": []string{},
		},
	})

	dec := json.NewDecoder(c)
	for {
		var req struct {
			Execute string          `json:"execute"`
			ID      json.RawMessage `json:"id,omitempty"`
		}
		if err := dec.Decode(&req); err != nil {
			return
		}

		var ret any = map[string]any{}
		m.mu.Lock()
		switch req.Execute {
		case "qmp_capabilities", "inject-nmi":
		case "query-status":
			ret = map[string]any{"status": m.status, "singlestep": false, "running": m.status == "running"}
		case "query-cpus-fast":
			ret = []map[string]any{{"cpu-index": 0, "qom-path": "/machine/unattached/device[0]", "thread-id": os.Getpid(), "target": "x86_64"}}
		case "query-memory-size-summary":
			ret = map[string]any{"base-memory": 2 << 30, "plugged-memory": 0}
		case "system_powerdown":
			m.powerdown()
		case "quit":
			m.shutdown(0)
		default:
			m.mu.Unlock()
			_ = enc.Encode(map[string]any{
				"error": map[string]string{"class": "CommandNotFound", "desc": "The command " + req.Execute + " has not been found"},
			})
			continue
		}
		m.mu.Unlock()

		resp := map[string]any{"return": ret}
		if len(req.ID) > 0 {
			resp["id"] = req.ID
		}
		_ = enc.Encode(resp)
	}
}
