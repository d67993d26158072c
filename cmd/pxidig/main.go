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
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/qstl/pxidig"
	"github.com/qstl/pxidig/internal/pxidb"
	"github.com/qstl/pxidig/internal/unboundedchan"
	"github.com/qstl/pxidig/sd1"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

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

	// Create directory <path>, if needed
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err := os.MkdirAll(dir, 0775); err != nil {
			return "", err
		}
	}

	// Create an empty file path/filename, if it doesn't exist.
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

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("verbose", false)
	viper.SetDefault("backend", "sim")
	viper.SetDefault("chassis", 1)
	viper.SetDefault("slot", 2)
	viper.SetDefault("timeout", 10*time.Second)
	viper.SetDefault("lockdir", os.TempDir())
	viper.SetDefault("images.accumulator", filepath.Join("bitstreams", pxidig.DefaultAccumulatorImage))
	viper.SetDefault("images.factory", filepath.Join("bitstreams", pxidig.DefaultFactoryImage))
	viper.SetDefault("ports.base", 5600)
	viper.SetDefault("clickhouse.addr", "")

	HOME, err := os.UserHomeDir()
	if err != nil { // Handle errors reading the config file
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotPxidig := filepath.Join(HOME, ".pxidig")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotPxidig, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/pxidig"))
	viper.AddConfigPath(dotPxidig)
	viper.AddConfigPath(".")
	err = viper.ReadInConfig() // Find and read the config file
	if err != nil {            // Handle errors reading the config file
		return fmt.Errorf("error reading config file: %s", err)
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

// sessionConfig reads the module description from the configuration.
func sessionConfig() (pxidig.SessionConfig, error) {
	cfg := pxidig.SessionConfig{
		Address: pxidig.Address{
			Chassis: viper.GetInt("chassis"),
			Slot:    viper.GetInt("slot"),
		},
		Timeout:          viper.GetDuration("timeout"),
		LockDir:          viper.GetString("lockdir"),
		AccumulatorImage: viper.GetString("images.accumulator"),
		FactoryImage:     viper.GetString("images.factory"),
	}
	if viper.IsSet("models") {
		if err := viper.UnmarshalKey("models", &cfg.Models); err != nil {
			return cfg, fmt.Errorf("invalid models list: %w", err)
		}
	}
	return cfg, nil
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	pxidig.Build.Date = buildDate
	pxidig.Build.Githash = githash
	pxidig.Build.Gitdate = gitdate
	pxidig.Build.Summary = fmt.Sprintf("pxidig version %s (git commit %s of %s)", pxidig.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		pxidig.Build.Host = host
	} else {
		pxidig.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	listBackends := flag.Bool("backends", false, "list the hardware backends and quit")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is pxidig version %s\n", pxidig.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		os.Exit(0)
	}
	if *listBackends {
		fmt.Println(strings.Join(sd1.Backends(), "\n"))
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is pxidig version %s (git commit %s)\n", pxidig.Build.Version, githash)
	fmt.Print(banner)

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".pxidig", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	pxidig.ProblemLogger = startLogger(problemname)
	pxidig.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	pxidig.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}
	pxidig.Verbose = viper.GetBool("verbose")
	pxidig.SetPortnumbers(viper.GetInt("ports.base"))
	cfg, err := sessionConfig()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	abort := make(chan struct{})

	db := pxidb.Dummy()
	if addr := viper.GetString("clickhouse.addr"); addr != "" {
		activity := &pxidb.ActivityMessage{
			ID:        ulid.Make().String(),
			Hostname:  pxidig.Build.Host,
			Githash:   githash,
			Version:   pxidig.Build.Version,
			GoVersion: runtime.Version(),
			Start:     pxidig.StartTime,
		}
		db = pxidb.Start(addr, activity, abort)
		if !db.IsConnected() {
			pxidig.ProblemLogger.Printf("Acquisitions will not be recorded: %v", db.Err())
		}
	}

	// Control calls never wait on the publisher.
	updates := unboundedchan.New[pxidig.ClientUpdate](16)
	control := pxidig.NewDigitizerControl(viper.GetString("backend"), cfg, updates.In(), db)

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return pxidig.RunClientUpdater(updates.Out(), pxidig.Ports.Status, ctx.Done())
	})
	grp.Go(func() error {
		return pxidig.RunRPCServer(ctx, control, pxidig.Ports.RPC)
	})
	fmt.Printf("Serving JSON-RPC on port %d, status on port %d\n", pxidig.Ports.RPC, pxidig.Ports.Status)
	err = grp.Wait()

	var ok bool
	control.Close(nil, &ok)
	close(updates.In())
	if n := updates.Len(); n > 0 {
		pxidig.UpdateLogger.Printf("Dropped %d client updates at shutdown", n)
	}
	close(abort)
	db.Wait()
	if err != nil {
		log.Fatal(err)
	}
}
