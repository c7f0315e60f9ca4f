package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/mikeyg42/motioncam/internal/config"
)

type cliFlags struct {
	configFile string
	verbose    bool

	ip           string
	serverPort   int
	camviewPort  int
	logFile      string
	email        string
	password     string
	emailPort    int
	disableEmail bool
	standby      bool
	routerPass   string
	accessList   string
	camera       string
	fps          float64
	deltaMin     int
	deltaMax     int
	motionMin    int
	burst        int

	gmailAuthorize bool
	testAlert      bool
	writeConfig    string
	generateKey    bool
	seal           string

	// set holds the long names of flags given on the command line.
	set map[string]bool
}

// aliases maps the single-letter forms onto their long names.
var aliases = map[string]string{
	"g": "config-file", "v": "verbose", "i": "ip", "S": "server-port",
	"C": "camview-port", "l": "log-file", "e": "email", "p": "password",
	"E": "email-port", "D": "disable-email", "P": "standby-mode",
	"r": "router-password", "w": "white-list", "c": "camera-location",
	"f": "fps", "t": "delta-threshold-min", "T": "delta-threshold-max",
	"m": "motion-threshold-min", "b": "burst-mode",
}

func parseFlags(args []string, output io.Writer) (*cliFlags, error) {
	f := &cliFlags{set: make(map[string]bool)}
	fs := flag.NewFlagSet("motiondetection", flag.ContinueOnError)
	fs.SetOutput(output)

	str := func(p *string, long, short, usage string) {
		fs.StringVar(p, long, "", usage)
		fs.StringVar(p, short, "", "shorthand for -"+long)
	}
	integer := func(p *int, long, short, usage string) {
		fs.IntVar(p, long, 0, usage)
		fs.IntVar(p, short, 0, "shorthand for -"+long)
	}
	boolean := func(p *bool, long, short, usage string) {
		fs.BoolVar(p, long, false, usage)
		fs.BoolVar(p, short, false, "shorthand for -"+long)
	}

	str(&f.configFile, "config-file", "g", "YAML configuration file")
	boolean(&f.verbose, "verbose", "v", "log at debug level")
	str(&f.ip, "ip", "i", "address both servers bind to")
	integer(&f.serverPort, "server-port", "S", "command server port")
	integer(&f.camviewPort, "camview-port", "C", "MJPEG stream port")
	str(&f.logFile, "log-file", "l", "log file path")
	str(&f.email, "email", "e", "alert sender and login address")
	str(&f.password, "password", "p", "mail password (may be sealed with -seal)")
	integer(&f.emailPort, "email-port", "E", "SMTP port")
	boolean(&f.disableEmail, "disable-email", "D", "capture evidence but send no mail")
	boolean(&f.standby, "standby-mode", "P", "suppress alerts while a trusted device is on the LAN")
	str(&f.routerPass, "router-password", "r", "Netgear router admin password")
	str(&f.accessList, "white-list", "w", "file of trusted MAC addresses")
	str(&f.camera, "camera-location", "c", "camera index, device path or stream URL")
	fs.Float64Var(&f.fps, "fps", 0, "capture frame rate")
	fs.Float64Var(&f.fps, "f", 0, "shorthand for -fps")
	integer(&f.deltaMin, "delta-threshold-min", "t", "lower bound of the motion band")
	integer(&f.deltaMax, "delta-threshold-max", "T", "upper bound of the motion band")
	integer(&f.motionMin, "motion-threshold-min", "m", "readings below this count as a still scene")
	integer(&f.burst, "burst-mode", "b", "photos captured per trigger")

	fs.BoolVar(&f.gmailAuthorize, "gmail-authorize", false, "run the Gmail OAuth consent flow and exit")
	fs.BoolVar(&f.testAlert, "test-alert", false, "send one alert through the configured backends and exit")
	fs.StringVar(&f.writeConfig, "write-config", "", "write the effective configuration to this path and exit")
	fs.BoolVar(&f.generateKey, "generate-key", false, "print a new master key and exit")
	fs.StringVar(&f.seal, "seal", "", "print the value sealed with $"+config.MasterKeyEnv+" and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	fs.Visit(func(fl *flag.Flag) {
		name := fl.Name
		if long, ok := aliases[name]; ok {
			name = long
		}
		f.set[name] = true
	})
	return f, nil
}

// apply overrides cfg with every flag given on the command line.
func (f *cliFlags) apply(cfg *config.Config) error {
	if f.set["verbose"] && f.verbose {
		cfg.Logging.Level = "debug"
	}
	if f.set["ip"] {
		if err := cfg.SetListenIP(f.ip); err != nil {
			return err
		}
	}
	if f.set["server-port"] {
		if err := cfg.SetServerPort(f.serverPort); err != nil {
			return err
		}
	}
	if f.set["camview-port"] {
		if err := cfg.SetCamviewPort(f.camviewPort); err != nil {
			return err
		}
	}
	if f.set["log-file"] {
		cfg.Logging.File = f.logFile
	}
	if f.set["email"] {
		cfg.Email.Sender = f.email
	}
	if f.set["password"] {
		cfg.Email.Password = f.password
	}
	if f.set["email-port"] {
		cfg.Email.Port = f.emailPort
	}
	if f.set["disable-email"] && f.disableEmail {
		cfg.Watcher.AlertsEnabled = false
	}
	if f.set["standby-mode"] && f.standby {
		cfg.Watcher.Standby = true
	}
	if f.set["router-password"] {
		cfg.Netgear.Password = f.routerPass
	}
	if f.set["white-list"] {
		cfg.Presence.AccessListPath = f.accessList
	}
	if f.set["camera-location"] {
		cfg.Camera.Device = f.camera
	}
	if f.set["fps"] {
		cfg.Camera.FPS = f.fps
	}
	if f.set["delta-threshold-min"] {
		cfg.Watcher.Thresholds.DeltaMin = f.deltaMin
	}
	if f.set["delta-threshold-max"] {
		cfg.Watcher.Thresholds.DeltaMax = f.deltaMax
	}
	if f.set["motion-threshold-min"] {
		cfg.Watcher.Thresholds.MotionMin = f.motionMin
	}
	if f.set["burst-mode"] {
		cfg.Watcher.BurstCount = f.burst
	}
	return nil
}
