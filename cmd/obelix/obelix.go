package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"

	"github.com/davecgh/go-spew/spew"
	"github.com/lorenzosaino/go-sysctl"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/asterix-daq/obelix"
	"github.com/asterix-daq/obelix/internal/runsdb"
	"github.com/asterix-daq/obelix/internal/statusqueue"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// Above this the kernel holds dirty pages long enough for a busy run to
// stall on writeback in bursts.
const maxWritebackCentisecs = 500

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}

	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper tells viper where to find the config file. An explicit file
// name wins over the search path /etc/obelix, ~/.obelix, "." in which an
// empty config.yaml is created if none exists.
func setupViper(v *viper.Viper, configFile string) error {
	v.SetEnvPrefix("obelix")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	obelix.SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		HOME, err := os.UserHomeDir()
		if err != nil {
			fmt.Printf("Error finding User Home Dir: %s\n", err)
		}
		dotObelix := filepath.Join(HOME, ".obelix")
		const filename string = "config"
		const suffix string = ".yaml"
		if _, err := makeFileExist(dotObelix, filename+suffix); err != nil {
			return err
		}
		v.SetConfigName(filename)
		v.AddConfigPath(filepath.FromSlash("/etc/obelix"))
		v.AddConfigPath(dotObelix)
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	return log.New(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	}, "", log.LstdFlags)
}

// checkWriteback warns when the kernel flushes dirty pages rarely. It
// never prevents a start.
func checkWriteback() {
	val, err := sysctl.Get("vm.dirty_writeback_centisecs")
	if err != nil {
		obelix.ProblemLogger.Printf("could not read vm.dirty_writeback_centisecs: %v", err)
		return
	}
	cs, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return
	}
	if cs == 0 || cs > maxWritebackCentisecs {
		msg := fmt.Sprintf("vm.dirty_writeback_centisecs is %d; long runs may stall on disk writeback", cs)
		fmt.Println("Warning:", msg)
		obelix.ProblemLogger.Print(msg)
	}
}

func main() {
	buildDate = strings.ReplaceAll(buildDate, ".", " ")
	obelix.Build.Date = buildDate
	obelix.Build.Githash = githash
	obelix.Build.Gitdate = gitdate
	obelix.Build.Summary = fmt.Sprintf("OBELIX version %s (git commit %s of %s)", obelix.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		obelix.Build.Host = host
	} else {
		obelix.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	configFile := flag.String("config", "", "read configuration from this file instead of the search path")
	bufferLength := flag.Int("buffer", 0, "override buffer_length, the number of pipeline slots")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is OBELIX version %s\n", obelix.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is OBELIX version %s (git commit %s)\n", obelix.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".obelix", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	obelix.ProblemLogger = startLogger(problemname)
	obelix.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	obelix.UpdateLogger.Printf("\n\n\n\n%s", banner)

	v := viper.GetViper()
	if err := setupViper(v, *configFile); err != nil {
		log.Fatal(err)
	}
	if *bufferLength > 0 {
		v.Set("buffer_length", *bufferLength)
	}
	cfg, err := obelix.LoadConfig(v)
	if err != nil {
		log.Fatalf("invalid configuration in %s:\n%v", v.ConfigFileUsed(), err)
	}
	if cfg.Verbose {
		fmt.Print(spew.Sdump(cfg))
	}
	checkWriteback()

	err = run(cfg)
	writeMemoryProfile(memprofile)
	if err != nil {
		obelix.ProblemLogger.Print(err)
		fmt.Fprintln(os.Stderr, err)
		pprof.StopCPUProfile()
		os.Exit(1)
	}
}

// run owns the acquisition from hardware setup until the controller quits.
func run(cfg *obelix.Config) error {
	recorder, err := runsdb.Open(cfg.RunsDB)
	if err != nil {
		return fmt.Errorf("runs database: %w", err)
	}
	defer recorder.Close()

	hw, err := obelix.NewHardwareSource(cfg)
	if err != nil {
		return err
	}
	defer hw.Close()

	rc, err := obelix.NewRunController(cfg, hw, recorder)
	if err != nil {
		return err
	}
	if err := rc.Setup(); err != nil {
		return err
	}
	if cfg.Verbose {
		fmt.Print(inspectHardware(hw))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.StatusPort > 0 {
		updates := statusqueue.New[obelix.ClientUpdate](64)
		defer updates.Close()
		rc.SetUpdates(updates.In())
		go func() {
			if err := obelix.RunClientUpdater(ctx, cfg.StatusPort, updates.Out()); err != nil {
				obelix.ProblemLogger.Printf("status publisher: %v", err)
			}
		}()
	}

	con := newConsole(rc)
	defer con.Close()
	go con.run()

	err = rc.Run(ctx)
	fmt.Println("\nOBELIX is done.")
	return err
}

// inspectHardware describes the programmed state of hw, when it can say.
func inspectHardware(hw obelix.HardwareSource) string {
	if in, ok := hw.(interface{ Inspect() string }); ok {
		return in.Inspect()
	}
	return fmt.Sprintf("no state dump for hardware source %T\n", hw)
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` points to an empty string, do not write.
func writeMemoryProfile(memprofile *string) {
	if *memprofile == "" {
		return
	}

	f, err := os.Create(*memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close()
	runtime.GC() // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
