package main

import (
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/beamlab/lanbeam/device"
	"github.com/beamlab/lanbeam/discovery"
	"github.com/beamlab/lanbeam/protocol"
)

var (
	// Global flags
	logLevel       string
	requestTimeout time.Duration
	retries        int
	target         string

	// Discover flags
	discoverTimeout time.Duration
	discoverIdle    time.Duration
	broadcastAddr   string

	// Color flags
	hue        uint16
	saturation uint16
	brightness uint16
	kelvin     uint16
	fade       time.Duration

	rootCmd = &cobra.Command{
		Use:   "lanbeam",
		Short: "Control smart lighting devices on the local network",
		Long: `lanbeam talks to smart lighting devices over the LAN.

Devices are addressed by their UDP address (host or host:port). The
--target flag optionally pins the 6-byte device identity so replies from
other devices behind the same address are rejected.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 2*time.Second, "Per-attempt response timeout")
	rootCmd.PersistentFlags().IntVar(&retries, "retries", 2, "Resends after the first attempt")
	rootCmd.PersistentFlags().StringVar(&target, "target", "", "Device identity (aa:bb:cc:dd:ee:ff)")

	discoverCmd := &cobra.Command{
		Use:   "discover",
		Short: "Find devices on the local network",
		RunE:  runDiscover,
	}
	discoverCmd.Flags().DurationVar(&discoverTimeout, "window", discovery.DefaultTimeout, "Overall discovery window")
	discoverCmd.Flags().DurationVar(&discoverIdle, "idle", discovery.DefaultIdleTimeout, "End early after a reply-free window")
	discoverCmd.Flags().StringVar(&broadcastAddr, "broadcast", discovery.DefaultBroadcastAddr, "Broadcast destination")
	rootCmd.AddCommand(discoverCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "power <addr> [on|off]",
		Short: "Get or set device power",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runPower,
	})

	colorCmd := &cobra.Command{
		Use:   "color <addr>",
		Short: "Set light color",
		Args:  cobra.ExactArgs(1),
		RunE:  runColor,
	}
	colorCmd.Flags().Uint16Var(&hue, "hue", 0, "Hue (0-65535)")
	colorCmd.Flags().Uint16Var(&saturation, "saturation", 0, "Saturation (0-65535)")
	colorCmd.Flags().Uint16Var(&brightness, "brightness", 65535, "Brightness (0-65535)")
	colorCmd.Flags().Uint16Var(&kelvin, "kelvin", 3500, "Color temperature in kelvin")
	colorCmd.Flags().DurationVar(&fade, "duration", 0, "Transition duration")
	rootCmd.AddCommand(colorCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "label <addr> [new-label]",
		Short: "Get or set the device label",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runLabel,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "state <addr>",
		Short: "Show light color, power and label",
		Args:  cobra.ExactArgs(1),
		RunE:  runState,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "echo <addr>",
		Short: "Round-trip a random payload through the device",
		Args:  cobra.ExactArgs(1),
		RunE:  runEcho,
	})
}

func main() {
	level, err := logrus.ParseLevel(logLevel)
	if err == nil {
		logrus.SetLevel(level)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// dial opens a connection to the device named on the command line.
func dial(addr string) (*device.Conn, error) {
	if !strings.Contains(addr, ":") {
		addr = fmt.Sprintf("%s:%d", addr, protocol.DefaultPort)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("invalid device address %q: %w", addr, err)
	}

	var identity protocol.Identity
	if target != "" {
		identity, err = protocol.ParseIdentity(target)
		if err != nil {
			return nil, err
		}
	}

	return device.Dial(device.Config{
		Identity:       identity,
		Addr:           udpAddr,
		RequestTimeout: requestTimeout,
		Retries:        retries,
	})
}

func runDiscover(cmd *cobra.Command, args []string) error {
	disc := discovery.NewDiscoverer(discovery.Config{
		BroadcastAddr: broadcastAddr,
		Timeout:       discoverTimeout,
		IdleTimeout:   discoverIdle,
	})

	found, err := disc.Discover(cmd.Context())
	if err != nil {
		return err
	}

	count := 0
	for dev := range found {
		count++
		fmt.Printf("%s  %s  port %d\n", dev.Identity, dev.Addr.IP, dev.Port)
	}

	if count == 0 {
		fmt.Println("no devices found")
	}
	return nil
}

func runPower(cmd *cobra.Command, args []string) error {
	conn, err := dial(args[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx := cmd.Context()

	if len(args) == 1 {
		res, err := conn.Request(ctx, &protocol.GetPower{})
		if err != nil {
			return err
		}
		state := res.(*protocol.StatePower)
		if state.Level == protocol.PowerOn {
			fmt.Println("on")
		} else if state.Level == protocol.PowerOff {
			fmt.Println("off")
		} else {
			fmt.Printf("transitioning (%d)\n", state.Level)
		}
		return nil
	}

	var level uint16
	switch strings.ToLower(args[1]) {
	case "on":
		level = protocol.PowerOn
	case "off":
		level = protocol.PowerOff
	default:
		return fmt.Errorf("power level must be on or off, got %q", args[1])
	}

	_, err = conn.Request(ctx, &protocol.SetPower{Level: level})
	return err
}

func runColor(cmd *cobra.Command, args []string) error {
	conn, err := dial(args[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Request(cmd.Context(), &protocol.LightSetColor{
		Color: protocol.HSBK{
			Hue:        hue,
			Saturation: saturation,
			Brightness: brightness,
			Kelvin:     kelvin,
		},
		Duration: uint32(fade.Milliseconds()),
	})
	return err
}

func runLabel(cmd *cobra.Command, args []string) error {
	conn, err := dial(args[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx := cmd.Context()

	if len(args) == 1 {
		res, err := conn.Request(ctx, &protocol.GetLabel{})
		if err != nil {
			return err
		}
		fmt.Println(res.(*protocol.StateLabel).Label)
		return nil
	}

	_, err = conn.Request(ctx, &protocol.SetLabel{Label: args[1]})
	return err
}

func runState(cmd *cobra.Command, args []string) error {
	conn, err := dial(args[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	res, err := conn.Request(cmd.Context(), &protocol.LightGet{})
	if err != nil {
		return err
	}
	state := res.(*protocol.LightState)

	power := "off"
	if state.Power == protocol.PowerOn {
		power = "on"
	} else if state.Power != protocol.PowerOff {
		power = "transitioning (" + strconv.Itoa(int(state.Power)) + ")"
	}

	fmt.Printf("label:      %s\n", state.Label)
	fmt.Printf("power:      %s\n", power)
	fmt.Printf("hue:        %d\n", state.Color.Hue)
	fmt.Printf("saturation: %d\n", state.Color.Saturation)
	fmt.Printf("brightness: %d\n", state.Color.Brightness)
	fmt.Printf("kelvin:     %d\n", state.Color.Kelvin)
	return nil
}

func runEcho(cmd *cobra.Command, args []string) error {
	conn, err := dial(args[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	req := &protocol.EchoRequest{}
	if _, err := rand.Read(req.Payload[:]); err != nil {
		return err
	}

	started := time.Now()
	res, err := conn.Request(cmd.Context(), req)
	if err != nil {
		return err
	}
	rtt := time.Since(started)

	resp := res.(*protocol.EchoResponse)
	if resp.Payload != req.Payload {
		return fmt.Errorf("echo payload mismatch")
	}

	fmt.Printf("echo ok, rtt %s\n", rtt.Round(time.Microsecond))
	return nil
}
