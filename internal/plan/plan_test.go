package plan

import "testing"

func TestParseDefaultsToFree(t *testing.T) {
	cases := map[string]Plan{
		"":           Free,
		"free":       Free,
		" PRO ":      Pro,
		"developer":  Pro,
		"team":       Team,
		"Enterprise": Enterprise,
		"platinum":   Free,
	}
	for input, want := range cases {
		if got := Parse(input); got != want {
			t.Fatalf("Parse(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestResourcesWithinVendorMaxima(t *testing.T) {
	for _, p := range All() {
		for _, res := range []Resources{ResourcesFor(p), DeploymentResources(p)} {
			if res.CPU < 1 || res.CPU > MaxCPU {
				t.Fatalf("%s cpu out of range: %d", p, res.CPU)
			}
			if res.Memory < 1 || res.Memory > MaxMemoryGB {
				t.Fatalf("%s memory out of range: %d", p, res.Memory)
			}
			if res.Disk < 1 || res.Disk > MaxDiskGB {
				t.Fatalf("%s disk out of range: %d", p, res.Disk)
			}
		}
	}
}

func TestVolumesForPlan(t *testing.T) {
	ids := VolumeIDs{GPT20B: "vol-20", GPT120B: "vol-120"}

	for _, v := range VolumesFor(Free, ids) {
		if v.Model == Model120B {
			t.Fatalf("free plan must not mount the 120B volume")
		}
	}
	for _, p := range []Plan{Pro, Team, Enterprise} {
		seen := map[Model]bool{}
		for _, v := range VolumesFor(p, ids) {
			seen[v.Model] = true
			if !v.ReadOnly {
				t.Fatalf("%s volume %s should be read-only", p, v.Model)
			}
		}
		if !seen[Model20B] || !seen[Model120B] {
			t.Fatalf("%s should mount both volumes, got %v", p, seen)
		}
	}
	if got := VolumesFor(Plan("bogus"), ids); len(got) != 1 {
		t.Fatalf("unknown plan should get free volumes, got %d", len(got))
	}
}

func TestCanUseModel(t *testing.T) {
	if CanUseModel(Free, Model120B) {
		t.Fatalf("free plan should not reach gpt-120b")
	}
	if !CanUseModel(Free, Model20B) {
		t.Fatalf("free plan should reach gpt-20b")
	}
	if !CanUseModel(Team, Model120B) {
		t.Fatalf("team plan should reach gpt-120b")
	}
}

func TestLimitsForReturnsCopy(t *testing.T) {
	limits := LimitsFor(Pro)
	limits.Models[0] = "tampered"
	if LimitsFor(Pro).Models[0] != Model20B {
		t.Fatalf("LimitsFor leaked its backing slice")
	}
	if LimitsFor(Enterprise).MaxDeployments != Unlimited {
		t.Fatalf("enterprise deployments should be unlimited")
	}
}
