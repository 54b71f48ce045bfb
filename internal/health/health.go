// Package health reads the board's environmental sensors: baseboard and
// rail voltages from an hwmon sysfs tree (with the board's resistor-divider
// corrections applied), and the FPGA temperature from an xadc IIO device.
// Sensors are read from local sysfs when the driver runs on the board
// itself, or over SSH when it runs on a host that only has network access
// to the board.
package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Config selects where sensors are read from. If SSHHost is empty, all
// reads go to local sysfs paths; otherwise every read is issued over SSH.
type Config struct {
	HwmonPath string // e.g. /sys/bus/i2c/devices/1-002f/hwmon/hwmon0
	IIORoot   string // e.g. /sys/bus/iio/devices

	SSHHost     string
	SSHUser     string
	SSHPort     int
	SSHPassword string
	SSHKeyPath  string

	Timeout time.Duration
}

// Readings is one snapshot of the sensor tree, with divider corrections
// already applied, in the units spec §4.2's statistics map expects.
type Readings struct {
	TempBoardC float64

	Vcc3v3    float64
	Vcc5v4    float64
	Vfan      float64
	VccMainIn float64
	Vcc3v3Pll float64
	Vcc2v5Io  float64
	Vccocxo   float64

	TempFPGA float64

	VoltageAlarm bool
	TempAlarm    bool
}

// Reader reads hwmon/xadc sensors, locally or over SSH.
type Reader struct {
	cfg Config

	mu        sync.Mutex
	sshClient *ssh.Client

	xadcDevPath string // cached once discovered
}

// New validates cfg and returns a Reader. No connection is attempted until
// the first Read.
func New(cfg Config) (*Reader, error) {
	if cfg.HwmonPath == "" {
		return nil, fmt.Errorf("health: HwmonPath is required")
	}
	if cfg.IIORoot == "" {
		cfg.IIORoot = "/sys/bus/iio/devices"
	}
	if cfg.SSHUser == "" {
		cfg.SSHUser = "root"
	}
	if cfg.SSHPort == 0 {
		cfg.SSHPort = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Reader{cfg: cfg}, nil
}

// divider correction constants from spec §6.
const (
	div18_36  = (18.0 + 36.0) / 36.0
	div51_36  = (51.0 + 36.0) / 36.0
	div560_22 = (560.0 + 22.0) / 22.0
	div4_7_36 = (4.7 + 36.0) / 36.0
)

// voltage alarm bounds: nominal +/- 15%.
const (
	alarmLow  = 0.85
	alarmHigh = 1.15
)

// nominalVoltage carries the board's design-nominal rail voltages, used
// only to evaluate the +/-15% alarm band; the raw readings themselves are
// independent of these constants.
var nominalVoltage = map[string]float64{
	"vcc3v3":    3.3,
	"vcc5v4":    5.4,
	"vfan":      12.0,
	"vcc3v3pll": 3.3,
	"vcc2v5io":  2.5,
	"vccocxo":   3.3,
}

// Read takes one snapshot of all sensors.
func (r *Reader) Read() (Readings, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()

	in := make(map[string]float64, 7)
	for i := 0; i <= 6; i++ {
		v, err := r.readMilliUnit(ctx, fmt.Sprintf("%s/in%d_input", r.cfg.HwmonPath, i))
		if err != nil {
			return Readings{}, fmt.Errorf("health: read in%d_input: %w", i, err)
		}
		in[fmt.Sprintf("in%d", i)] = v
	}

	tempBoard, err := r.readMilliUnit(ctx, r.cfg.HwmonPath+"/temp1_input")
	if err != nil {
		return Readings{}, fmt.Errorf("health: read temp1_input: %w", err)
	}

	tempFPGA, err := r.readXADCTempC(ctx)
	if err != nil {
		return Readings{}, fmt.Errorf("health: read xadc temp: %w", err)
	}

	readings := Readings{
		TempBoardC: tempBoard,
		Vcc3v3:     in["in2"] * div18_36,
		Vcc5v4:     in["in1"] * div51_36,
		Vfan:       in["in3"] * div560_22,
		VccMainIn:  in["in0"] * div560_22,
		Vcc3v3Pll:  in["in4"] * div18_36,
		Vcc2v5Io:   in["in5"] * div4_7_36,
		Vccocxo:    in["in6"] * div51_36,
		TempFPGA:   tempFPGA,
	}
	readings.VoltageAlarm = voltageOutOfRange(readings) || readings.VccMainIn <= 10.0
	readings.TempAlarm = readings.TempFPGA > 85.0

	return readings, nil
}

func voltageOutOfRange(r Readings) bool {
	rails := map[string]float64{
		"vcc3v3":    r.Vcc3v3,
		"vcc5v4":    r.Vcc5v4,
		"vfan":      r.Vfan,
		"vcc3v3pll": r.Vcc3v3Pll,
		"vcc2v5io":  r.Vcc2v5Io,
		"vccocxo":   r.Vccocxo,
	}
	for name, v := range rails {
		nominal := nominalVoltage[name]
		if v < nominal*alarmLow || v > nominal*alarmHigh {
			return true
		}
	}
	return false
}

// readMilliUnit reads a sysfs attribute holding an integer in milli-units
// and returns it in whole units (e.g. milli-C -> C, milli-V -> V).
func (r *Reader) readMilliUnit(ctx context.Context, path string) (float64, error) {
	raw, err := r.readFile(ctx, path)
	if err != nil {
		return 0, err
	}
	milli, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", raw, err)
	}
	return milli / 1000.0, nil
}

// readXADCTempC finds the xadc IIO device (by scanning for a device whose
// name attribute reads "xadc") and computes tempC per spec §6:
// (in_temp0_raw + in_temp0_offset) * in_temp0_scale / 1000.
func (r *Reader) readXADCTempC(ctx context.Context) (float64, error) {
	dev, err := r.xadcDevicePath(ctx)
	if err != nil {
		return 0, err
	}

	raw, err := r.readFileFloat(ctx, dev+"/in_temp0_raw")
	if err != nil {
		return 0, err
	}
	offset, err := r.readFileFloat(ctx, dev+"/in_temp0_offset")
	if err != nil {
		return 0, err
	}
	scale, err := r.readFileFloat(ctx, dev+"/in_temp0_scale")
	if err != nil {
		return 0, err
	}
	return (raw + offset) * scale / 1000.0, nil
}

func (r *Reader) readFileFloat(ctx context.Context, path string) (float64, error) {
	s, err := r.readFile(ctx, path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

func (r *Reader) xadcDevicePath(ctx context.Context) (string, error) {
	r.mu.Lock()
	cached := r.xadcDevPath
	r.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	if r.cfg.SSHHost == "" {
		entries, err := os.ReadDir(r.cfg.IIORoot)
		if err != nil {
			return "", err
		}
		for _, e := range entries {
			namePath := r.cfg.IIORoot + "/" + e.Name() + "/name"
			data, err := os.ReadFile(namePath)
			if err != nil {
				continue
			}
			if strings.TrimSpace(string(data)) == "xadc" {
				dev := r.cfg.IIORoot + "/" + e.Name()
				r.mu.Lock()
				r.xadcDevPath = dev
				r.mu.Unlock()
				return dev, nil
			}
		}
		return "", fmt.Errorf("xadc device not found under %s", r.cfg.IIORoot)
	}

	out, err := r.runSSH(ctx, fmt.Sprintf("grep -l xadc %s/iio:device*/name 2>/dev/null | head -n1", r.cfg.IIORoot))
	if err != nil {
		return "", err
	}
	namePath := strings.TrimSpace(out)
	if namePath == "" {
		return "", fmt.Errorf("xadc device not found under %s", r.cfg.IIORoot)
	}
	dev := strings.TrimSuffix(namePath, "/name")
	r.mu.Lock()
	r.xadcDevPath = dev
	r.mu.Unlock()
	return dev, nil
}

func (r *Reader) readFile(ctx context.Context, path string) (string, error) {
	if r.cfg.SSHHost == "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	return r.runSSH(ctx, "cat "+shellQuote(path))
}

func (r *Reader) runSSH(ctx context.Context, cmd string) (string, error) {
	client, err := r.dialSSH(ctx)
	if err != nil {
		return "", err
	}
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("create ssh session: %w", err)
	}
	defer session.Close()

	out, err := session.Output(cmd)
	if err != nil {
		return "", fmt.Errorf("run %q over ssh: %w", cmd, err)
	}
	return string(out), nil
}

func (r *Reader) dialSSH(ctx context.Context) (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sshClient != nil {
		return r.sshClient, nil
	}

	var auth []ssh.AuthMethod
	if r.cfg.SSHPassword != "" {
		auth = append(auth, ssh.Password(r.cfg.SSHPassword))
	}
	if r.cfg.SSHKeyPath != "" {
		key, err := os.ReadFile(r.cfg.SSHKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh password or key configured")
	}

	config := &ssh.ClientConfig{
		User:            r.cfg.SSHUser,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.cfg.Timeout,
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.SSHHost, r.cfg.SSHPort)
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial ssh: %w", err)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		return nil, fmt.Errorf("create ssh client: %w", err)
	}

	r.sshClient = ssh.NewClient(clientConn, chans, reqs)
	return r.sshClient, nil
}

func shellQuote(value string) string {
	escaped := strings.ReplaceAll(value, "'", "'\\''")
	return "'" + escaped + "'"
}

// Close releases the SSH connection, if one was opened.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sshClient != nil {
		err := r.sshClient.Close()
		r.sshClient = nil
		return err
	}
	return nil
}
