// mxu is the command-line client for mxud.
//
// Commands:
//
//	mxu up         Start mxud
//	mxu down       Stop mxud
//	mxu status     Show daemon status
//	mxu version    Print client and engine versions
//	mxu instances  List instances
//	mxu devices    List ADB devices
//	mxu windows    List desktop windows
//	mxu download   Download a file through the daemon
//	mxu cancel     Cancel the active download
//	mxu history    Show past downloads
//	mxu events     Follow the daemon event stream
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	units "github.com/docker/go-units"
	"github.com/fatih/color"

	"github.com/xfeldman/mxu/internal/client"
	"github.com/xfeldman/mxu/internal/config"
	"github.com/xfeldman/mxu/internal/download"
	"github.com/xfeldman/mxu/internal/events"
	"github.com/xfeldman/mxu/internal/version"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "up":
		cmdUp()
	case "down":
		cmdDown()
	case "status":
		cmdStatus()
	case "version":
		cmdVersion()
	case "instances":
		cmdInstances()
	case "devices":
		cmdDevices()
	case "windows":
		cmdWindows()
	case "download":
		cmdDownload()
	case "cancel":
		cmdCancel()
	case "history":
		cmdHistory()
	case "events":
		cmdEvents()
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`Usage: mxu <command> [options]

Commands:
  up         Start mxud
  down       Stop mxud
  status     Show daemon status
  version    Print client and engine versions
  instances  List instances
  devices    List ADB devices (--scan to search again)
  windows    List desktop windows (--scan [--class RE] [--window RE])
  download   Download a file: mxu download [--proxy URL] <url> <path>
  cancel     Cancel the active download
  history    Show past downloads (--limit N)
  events     Follow the daemon event stream

Examples:
  mxu up
  mxu devices --scan
  mxu windows --scan --window "Arknights"
  mxu download https://example.com/res.zip ./cache/res.zip
  mxu down`)
}

func loadConfig() *config.Config {
	path := os.Getenv("MXU_CONFIG")
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".mxu", "config.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		fatalf("%v", err)
	}
	return cfg
}

func pidFilePath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "mxud.pid")
}

func daemonPid(cfg *config.Config) (int, bool) {
	data, err := os.ReadFile(pidFilePath(cfg))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	// Check if process is alive
	return pid, proc.Signal(syscall.Signal(0)) == nil
}

// mustClient returns a client, exiting if the daemon is not running.
func mustClient() *client.Client {
	cfg := loadConfig()
	if _, ok := daemonPid(cfg); !ok {
		fatalf("mxud is not running. Run 'mxu up' first.")
	}
	return client.New(cfg.SocketPath)
}

func fatalf(format string, args ...any) {
	fmt.Fprintln(os.Stderr, red(fmt.Sprintf(format, args...)))
	os.Exit(1)
}

func cmdUp() {
	cfg := loadConfig()
	if _, ok := daemonPid(cfg); ok {
		fmt.Println("mxud is already running")
		return
	}

	// Find mxud next to this binary
	exe, _ := os.Executable()
	bin := filepath.Join(filepath.Dir(exe), "mxud")
	if _, err := os.Stat(bin); err != nil {
		fatalf("mxud binary not found at %s", bin)
	}

	cmd := exec.Command(bin)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		fatalf("start mxud: %v", err)
	}

	for i := 0; i < 25; i++ {
		if _, ok := daemonPid(cfg); ok {
			fmt.Printf("mxud started (pid %d)\n", cmd.Process.Pid)
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	fatalf("mxud did not start within timeout")
}

func cmdDown() {
	cfg := loadConfig()
	pid, ok := daemonPid(cfg)
	if !ok {
		fmt.Println("mxud is not running")
		return
	}
	proc, _ := os.FindProcess(pid)
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		fatalf("send SIGTERM: %v", err)
	}
	fmt.Printf("mxud stopping (pid %d)\n", pid)

	for i := 0; i < 100; i++ {
		if _, ok := daemonPid(cfg); !ok {
			fmt.Println("mxud stopped")
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	fatalf("mxud did not stop within timeout")
}

func cmdStatus() {
	cfg := loadConfig()
	if _, ok := daemonPid(cfg); !ok {
		fmt.Printf("mxud: %s\n", red("not running"))
		return
	}
	st, err := client.New(cfg.SocketPath).Status(context.Background())
	if err != nil {
		fatalf("get status: %v", err)
	}

	engine := st.Engine
	if engine == "" {
		engine = yellow("not loaded")
	}
	fmt.Printf("mxud:       %s\n", green(st.Status))
	fmt.Printf("engine:     %s\n", engine)
	fmt.Printf("platform:   %s/%s\n", st.Platform.OS, st.Platform.Arch)
	fmt.Printf("instances:  %d\n", st.Instances)
	fmt.Printf("controllers: %d pooled\n", st.Pooled)
}

func cmdVersion() {
	fmt.Printf("mxu %s\n", version.Version())
	cfg := loadConfig()
	if _, ok := daemonPid(cfg); !ok {
		return
	}
	st, err := client.New(cfg.SocketPath).Status(context.Background())
	if err == nil && st.Engine != "" {
		fmt.Printf("engine %s\n", st.Engine)
	}
}

func cmdInstances() {
	all, err := mustClient().AllStates(context.Background())
	if err != nil {
		fatalf("list instances: %v", err)
	}
	if len(all.Instances) == 0 {
		fmt.Println("no instances")
		return
	}
	ids := make([]string, 0, len(all.Instances))
	for id := range all.Instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Printf("%-20s %-12s %-10s %-8s %-8s %s\n", "ID", "CONTROLLER", "CONNECTED", "RES", "RUNNING", "CREATED")
	for _, id := range ids {
		st := all.Instances[id]
		fmt.Printf("%-20s %-12s %-10s %-8s %-8s %s\n",
			id, st.ControllerType, yesNo(st.Connected), yesNo(st.ResourceLoaded), yesNo(st.Running),
			units.HumanDuration(time.Since(st.CreatedAt))+" ago")
	}
}

func yesNo(b bool) string {
	if b {
		return green("yes")
	}
	return "no"
}

func cmdDevices() {
	scan := hasFlag(os.Args[2:], "--scan")
	devices, err := mustClient().Devices(context.Background(), scan)
	if err != nil {
		fatalf("devices: %v", err)
	}
	if len(devices) == 0 {
		fmt.Println("no devices")
		return
	}
	for _, d := range devices {
		fmt.Printf("%s  %s  (adb %s)\n", bold(d.Name), d.Address, d.AdbPath)
	}
}

func cmdWindows() {
	args := os.Args[2:]
	scan := hasFlag(args, "--scan")
	class := flagValue(args, "--class")
	window := flagValue(args, "--window")
	windows, err := mustClient().Windows(context.Background(), scan, class, window)
	if err != nil {
		fatalf("windows: %v", err)
	}
	if len(windows) == 0 {
		fmt.Println("no windows")
		return
	}
	for _, w := range windows {
		fmt.Printf("%#x  %s  [%s]\n", w.Handle, bold(w.WindowName), w.ClassName)
	}
}

func cmdDownload() {
	args := os.Args[2:]
	proxy := flagValue(args, "--proxy")
	var pos []string
	for i := 0; i < len(args); i++ {
		if args[i] == "--proxy" {
			i++
			continue
		}
		pos = append(pos, args[i])
	}
	if len(pos) != 2 {
		fatalf("usage: mxu download [--proxy URL] <url> <path>")
	}
	path, err := filepath.Abs(pos[1])
	if err != nil {
		fatalf("%v", err)
	}

	c := mustClient()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// Progress arrives on the event stream while the download request blocks.
	go c.Events(ctx, func(ev client.Event) {
		if ev.Name != events.DownloadProgress {
			return
		}
		var p events.DownloadProgressPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		total := "?"
		if p.TotalBytes > 0 {
			total = units.HumanSize(float64(p.TotalBytes))
		}
		fmt.Fprintf(os.Stderr, "\r%s / %s  %s/s  %.1f%%   ",
			units.HumanSize(float64(p.DownloadedBytes)), total, units.HumanSize(p.SpeedBps), p.Percent)
	})

	res, err := c.Download(ctx, download.Request{URL: pos[0], Path: path, Proxy: proxy})
	fmt.Fprintln(os.Stderr)
	if err != nil {
		if ctx.Err() != nil {
			c.CancelDownload(context.Background(), path)
			fatalf("download cancelled")
		}
		fatalf("download: %v", err)
	}
	fmt.Printf("%s %s (%s)\n", green("saved"), res.Path, units.HumanSize(float64(res.Bytes)))
	if res.BackupPath != "" {
		fmt.Printf("previous file moved to %s\n", res.BackupPath)
	}
}

func cmdCancel() {
	if err := mustClient().CancelDownload(context.Background(), ""); err != nil {
		fatalf("cancel: %v", err)
	}
	fmt.Println("download cancelled")
}

func cmdHistory() {
	limit := 20
	if v := flagValue(os.Args[2:], "--limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			fatalf("invalid limit: %s", v)
		}
		limit = n
	}
	history, err := mustClient().DownloadHistory(context.Background(), limit)
	if err != nil {
		fatalf("history: %v", err)
	}
	for _, d := range history {
		status := d.Status
		switch status {
		case "completed":
			status = green(status)
		case "failed":
			status = red(status)
		default:
			status = yellow(status)
		}
		fmt.Printf("%s  %-10s %8s  %s\n", d.StartedAt.Local().Format("2006-01-02 15:04"),
			status, units.HumanSize(float64(d.Bytes)), d.Path)
		if d.Error != "" {
			fmt.Printf("    %s\n", d.Error)
		}
	}
}

func cmdEvents() {
	c := mustClient()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	err := c.Events(ctx, func(ev client.Event) {
		fmt.Printf("%s %s %s\n", ev.Time.Local().Format("15:04:05.000"), bold(ev.Name), string(ev.Payload))
	})
	if err != nil {
		fatalf("events: %v", err)
	}
}

func hasFlag(args []string, name string) bool {
	for _, a := range args {
		if a == name {
			return true
		}
	}
	return false
}

func flagValue(args []string, name string) string {
	for i, a := range args {
		if a == name && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
