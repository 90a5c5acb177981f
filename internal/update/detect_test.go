package update

import "testing"

func TestParseAPIVersion(t *testing.T) {
	tests := []struct {
		input     string
		major     int
		minor     int
		expectErr bool
	}{
		{"1.44", 1, 44, false},
		{"1.43", 1, 43, false},
		{"2.0", 2, 0, false},
		{"1", 0, 0, true},
		{"one.two", 0, 0, true},
		{"", 0, 0, true},
	}

	for _, tt := range tests {
		major, minor, err := parseAPIVersion(tt.input)
		if tt.expectErr {
			if err == nil {
				t.Errorf("parseAPIVersion(%q) should have failed", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseAPIVersion(%q) failed: %v", tt.input, err)
			continue
		}
		if major != tt.major || minor != tt.minor {
			t.Errorf("parseAPIVersion(%q) = %d.%d, want %d.%d", tt.input, major, minor, tt.major, tt.minor)
		}
	}
}

func TestEngineCaps_PodmanDefaults(t *testing.T) {
	caps := DockerCaps()
	if !caps.MemorySwappiness || !caps.NanoCPUs || !caps.DeviceRequests {
		t.Error("Docker caps should accept all HostConfig fields")
	}

	var opts *UpdaterOptions
	if got := opts.caps(); !got.NetworkingConfigAtCreate {
		t.Error("nil options should fall back to full Docker caps")
	}
}
