package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/CK6170/fruitell-go/capture"
	"github.com/CK6170/fruitell-go/echo"
	"github.com/CK6170/fruitell-go/models"
	"github.com/CK6170/fruitell-go/protocol"
	serialpkg "github.com/CK6170/fruitell-go/serial"
	"github.com/CK6170/fruitell-go/store"
	"github.com/CK6170/fruitell-go/train"
	"github.com/CK6170/fruitell-go/ui"
)

const (
	AppVersion = "2.1.0"
	AppBuild   = "2025-08-12"
)

// redWriter paints standard logger output red so errors stand out from
// the live status line.
type redWriter struct{ w io.Writer }

func (r redWriter) Write(p []byte) (int, error) {
	if _, err := r.w.Write([]byte("\033[31m")); err != nil {
		return 0, err
	}
	n, err := r.w.Write(p)
	if err != nil {
		return n, err
	}
	_, err = r.w.Write([]byte("\033[0m"))
	return n, err
}

func main() {
	log.SetFlags(0)
	log.SetOutput(redWriter{os.Stderr})

	var (
		portFlag   = flag.String("port", "", "serial port (e.g. COM7 or /dev/ttyUSB0); empty = auto-detect")
		baudFlag   = flag.Int("baud", models.DefaultBaudRate, "serial baud rate")
		outFlag    = flag.String("out", "", "save labeled capture to CSV (capture mode)")
		csvFlag    = flag.String("csv", "", "load CSV (train/test/program modes)")
		pingFlag   = flag.Bool("ping", false, "test connection only")
		testFlag   = flag.Bool("test", false, "live test with decimal outputs")
		progFlag   = flag.Bool("program", false, "upload a CSV to the device self-test trainer")
		listFlag   = flag.Bool("list", false, "list serial ports and exit")
		minConf    = flag.Float64("min-conf", models.DefaultMinConf, "only prompt when confidence >= this percent; 0 takes every reading")
		waitFlag   = flag.Float64("wait", 12.0, "seconds to collect the device report (program mode)")
		configFlag = flag.String("config", "", "JSON config file")
	)
	flag.Parse()

	explicit := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	params := capture.DefaultParameters()
	if *configFlag != "" {
		p, err := capture.LoadParameters(*configFlag)
		if err != nil {
			log.Fatalf("Error reading config: %v", err)
		}
		params = p
	}
	ui.Debugf(params.DEBUG, "Loaded config: %s (DEBUG=%v)\n", *configFlag, params.DEBUG)

	// Flags override the config file.
	if explicit["port"] {
		params.SERIAL.PORT = *portFlag
	}
	if explicit["baud"] {
		params.SERIAL.BAUDRATE = *baudFlag
	}
	if explicit["min-conf"] {
		params.MINCONF = *minConf
	}
	dataCSV := *csvFlag
	if dataCSV == "" {
		dataCSV = params.DATA
	}

	switch {
	case *pingFlag:
		runPing(params, *configFlag)
	case *listFlag:
		runList()
	case *progFlag:
		runProgram(params, *configFlag, dataCSV, *waitFlag)
	case *testFlag:
		runTest(params, *configFlag, dataCSV, explicit["csv"])
	case *csvFlag != "" && *outFlag == "":
		runTrain(*csvFlag)
	case *outFlag != "":
		runCapture(params, *configFlag, *outFlag)
	default:
		fmt.Println("Nothing to do. Use -out for capture, -csv to train, or -test for live testing.")
	}
}

// openDevice resolves the port, opens it and waits out the post-open
// reboot. Auto-detection results are persisted back to the config file
// when one is in use.
func openDevice(params *models.PARAMETERS, configPath, mode string) *serialpkg.Session {
	if _, err := capture.EnsureSerialPort(configPath, params, true); err != nil {
		if errors.Is(err, serialpkg.ErrNoPorts) {
			log.Fatal("No serial port detected. Use -port COMx.")
		}
		log.Fatalf("Error detecting serial port: %v", err)
	}
	fmt.Printf("[%s] opening %s @ %d\n", mode, params.SERIAL.PORT, params.SERIAL.BAUDRATE)
	dev, err := serialpkg.Open(params.SERIAL.PORT, params.SERIAL.BAUDRATE)
	if err != nil {
		log.Fatalf("Error opening %s: %v", params.SERIAL.PORT, err)
	}
	fmt.Printf("[%s] Connected to %s\n", mode, dev.Name())
	return dev
}

func runPing(params *models.PARAMETERS, configPath string) {
	dev := openDevice(params, configPath, "ping")

	alive, err := capture.Ping(context.Background(), dev, func(line string) {
		fmt.Println("[device]", line)
	})
	_ = dev.Close()
	if err != nil {
		log.Fatalf("Ping failed: %v", err)
	}
	if alive {
		fmt.Println("[ping] OK")
		return
	}
	fmt.Println("[ping] No response (check baud or firmware)")
	os.Exit(1)
}

func runList() {
	ports, err := serialpkg.ListPorts()
	if err != nil {
		log.Fatalf("Error listing ports: %v", err)
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found.")
		return
	}
	for _, p := range ports {
		if p.IsUSB {
			fmt.Printf("%-16s VID:PID=%s:%s  %s\n", p.Name, p.VID, p.PID, p.Product)
		} else {
			fmt.Println(p.Name)
		}
	}
}

func runCapture(params *models.PARAMETERS, configPath, outPath string) {
	ui.ClearScreen()
	ui.Greenf("Fruitell Trainer version: %s [build %s]\n", AppVersion, AppBuild)
	ui.Greenf("--------------------------------------------\n")

	dev := openDevice(params, configPath, "capture")
	fmt.Println("[capture] Serial buffers cleared")

	ui.DrainKeys()
	keys := ui.StartKeyEvents()

	fmt.Println("\nControls: tap f = fresh, s = spoil, q or ESC = stop")
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sess := capture.NewSession(dev, capture.Options{
		MinConf:  params.MINCONF,
		Keys:     keys,
		OnUpdate: renderCaptureUpdate,
	})
	samples, runErr := sess.Run(ctx)
	stop()
	ui.Close()

	fmt.Println("\n[device] TRAIN:OFF")
	if err := dev.Close(); err != nil {
		log.Printf("Error closing port: %v", err)
	} else {
		fmt.Println("[serial] closed")
	}

	if runErr == nil || len(samples) > 0 {
		if err := store.Save(outPath, samples); err != nil {
			log.Fatalf("Error saving CSV: %v", err)
		}
		fmt.Printf("[saved] %s\n", outPath)
	}
	if runErr != nil {
		log.Fatalf("Capture aborted: %v", runErr)
	}
}

func renderCaptureUpdate(u capture.Update) {
	switch u.Phase {
	case capture.PhaseLive:
		r := u.Record
		fmt.Printf("\rE=%7.2fus  MAD=%6.2f  x=%.3f  conf~%5.1f%%  F=%.0f  S=%.0f  [f/s/q]: ",
			r.EchoUS, r.MADUS, u.Scaled, u.Conf, r.FreshAnchor, r.SpoilAnchor)
	case capture.PhaseSaved:
		fmt.Printf(" +saved (%d)\n", u.Saved)
	case capture.PhaseNotReady:
		fmt.Println(" (no sample ready yet)")
	case capture.PhaseNoData:
		fmt.Print("\r(no data) Is the device RUNNING? Press the toggle button.      ")
	case capture.PhaseStopping:
		fmt.Println("\n[stop] finishing capture…")
	}
}

func runTrain(csvPath string) {
	samples, err := store.Load(csvPath)
	if err != nil {
		log.Fatalf("Error reading CSV: %v", err)
	}
	fmt.Printf("[train] loaded %d rows from %s\n", len(samples), csvPath)
	if len(samples) == 0 {
		log.Fatal("No rows to train.")
	}

	model, err := train.Fit(samples)
	if err != nil {
		if errors.Is(err, train.ErrNeedBothClasses) {
			log.Fatal("Need both classes.")
		}
		log.Fatalf("Training failed: %v", err)
	}
	acc := train.Accuracy(model, samples)

	fmt.Printf("anchors used: F=%.1f S=%.1f\n", model.FreshAnchor, model.SpoilAnchor)
	fmt.Printf("w(F_MED)=%.6f  bias=%.6f  acc=%.2f%%\n", model.W, model.B, acc*100)
	fmt.Println("Paste into Arduino Serial:")
	fmt.Println(protocol.BuildWeightLine(model.W, model.B))
}

func runTest(params *models.PARAMETERS, configPath, csvPath string, explicitCSV bool) {
	// Anchors come from the stored samples when available, otherwise
	// the firmware defaults.
	fa, sa := models.DefaultFreshAnchor, models.DefaultSpoilAnchor
	if csvPath != "" {
		samples, err := store.Load(csvPath)
		if err != nil && explicitCSV {
			log.Fatalf("Error reading CSV: %v", err)
		}
		if err == nil {
			fa, sa = echo.MedianAnchors(samples)
		}
	}

	dev := openDevice(params, configPath, "test")
	fmt.Println("Live test (Ctrl+C to quit)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := capture.LiveTest(ctx, dev, fa, sa, func(u capture.TestUpdate) {
		fmt.Printf("E=%7.2fus  MAD=%6.2f   FreshProb=%6.2f%%   Conf=%6.2f%%\n",
			u.Record.EchoUS, u.Record.MADUS, u.FreshPct, u.ConfPct)
	})

	fmt.Println("[device] TRAIN:OFF")
	if cerr := dev.Close(); cerr == nil {
		fmt.Println("[serial] closed")
	}
	if err != nil {
		log.Fatalf("Test aborted: %v", err)
	}
}

func runProgram(params *models.PARAMETERS, configPath, csvPath string, waitSec float64) {
	rows, err := store.LoadLoose(csvPath)
	if err != nil {
		log.Fatalf("Error reading CSV: %v", err)
	}
	fmt.Printf("Parsed rows: %d\n", len(rows))
	if len(rows) > 0 {
		n := len(rows)
		if n > 3 {
			n = 3
		}
		preview := make([]string, 0, n)
		for _, s := range rows[:n] {
			preview = append(preview, fmt.Sprintf("(%d,%d,%d,%d)",
				int(s.EchoUS), int(s.Label), int(s.FreshAnchor), int(s.SpoilAnchor)))
		}
		fmt.Printf("First rows: %s\n", strings.Join(preview, " "))
	}

	dev := openDevice(params, configPath, "program")
	defer dev.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sawReport := false
	sent, err := capture.Program(ctx, dev, rows, capture.ProgramOptions{
		ReportWindow: time.Duration(waitSec * float64(time.Second)),
	}, func(u capture.ProgramUpdate) {
		switch u.Phase {
		case capture.ProgramReady, capture.ProgramStatus:
			fmt.Println("[device]", u.Line)
		case capture.ProgramReport:
			sawReport = true
			fmt.Println("[device]", u.Line)
		}
	})
	if err != nil {
		log.Fatalf("Upload failed after %d rows: %v", sent, err)
	}

	fmt.Printf("Sent rows: %d\n", sent)
	if sent == 0 {
		ui.Warningf("NOTE: 0 rows were sent. Check your CSV header/contents.\n")
	}
	if !sawReport {
		ui.Warningf("NOTE: no CSVTEST report seen. If R shows TRAINED=0 & totals=0, the device didn't see rows/END (try a larger per-line delay).\n")
	}
}
