package health

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSensor(t *testing.T, path, value string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func fixtureReader(t *testing.T) *Reader {
	t.Helper()
	root := t.TempDir()
	hwmon := filepath.Join(root, "hwmon0")
	iioRoot := filepath.Join(root, "iio")
	xadc := filepath.Join(iioRoot, "iio:device3")

	writeSensor(t, filepath.Join(hwmon, "temp1_input"), "42000")
	// Raw millivolt readings chosen so each, after its divider correction,
	// lands close to the rail's nominal voltage (except in0, see below).
	writeSensor(t, filepath.Join(hwmon, "in2_input"), "2200") // vcc3v3: *1.5 -> 3.3V
	writeSensor(t, filepath.Join(hwmon, "in1_input"), "2235") // vcc5v4: *2.4167 -> 5.4V
	writeSensor(t, filepath.Join(hwmon, "in3_input"), "460")  // vfan: *26.4545 -> ~12.2V
	writeSensor(t, filepath.Join(hwmon, "in0_input"), "300")  // vcc_main_in: *26.4545 -> ~7.9V, below the 10V floor
	writeSensor(t, filepath.Join(hwmon, "in4_input"), "2200") // vcc3v3pll: *1.5 -> 3.3V
	writeSensor(t, filepath.Join(hwmon, "in5_input"), "2211") // vcc2v5io: *1.1306 -> ~2.5V
	writeSensor(t, filepath.Join(hwmon, "in6_input"), "1365") // vccocxo: *2.4167 -> ~3.3V

	writeSensor(t, filepath.Join(xadc, "name"), "xadc")
	writeSensor(t, filepath.Join(xadc, "in_temp0_raw"), "2000")
	writeSensor(t, filepath.Join(xadc, "in_temp0_offset"), "0")
	writeSensor(t, filepath.Join(xadc, "in_temp0_scale"), "10") // (2000+0)*10/1000 -> 20C

	r, err := New(Config{HwmonPath: hwmon, IIORoot: iioRoot})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestReadAppliesDividerCorrections(t *testing.T) {
	r := fixtureReader(t)
	got, err := r.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.TempBoardC != 42.0 {
		t.Errorf("TempBoardC = %v, want 42.0", got.TempBoardC)
	}
	if got.Vcc3v3 < 3.2 || got.Vcc3v3 > 3.4 {
		t.Errorf("Vcc3v3 = %v, want ~3.3", got.Vcc3v3)
	}
}

func TestReadFindsXADCByName(t *testing.T) {
	r := fixtureReader(t)
	got, err := r.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.TempFPGA != 20.0 {
		t.Errorf("TempFPGA = %v, want 20.0", got.TempFPGA)
	}
}

func TestVoltageAlarmOnLowMainIn(t *testing.T) {
	r := fixtureReader(t)
	got, err := r.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !got.VoltageAlarm {
		t.Error("expected voltage_alarm with vcc_main_in under the 10V floor")
	}
}
