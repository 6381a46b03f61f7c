package pipeline

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/tjfontaine/darkroom/internal/catalog"
)

func stepNames(steps []FilterStep) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.String()
	}
	return out
}

func TestBuilder_PreservesOrder(t *testing.T) {
	b := NewBuilder()
	mustAppend(t, b, catalog.GaussianBlur, nil)
	mustAppend(t, b, catalog.GammaCorrection, map[string]float64{"gamma": 2.2})
	mustAppend(t, b, catalog.OtsuThreshold, nil)
	mustAppend(t, b, catalog.UnsharpMask, map[string]float64{"sigma": 1, "strength": 0.5})

	want := []string{
		"Gaussian Blur",
		"Gamma Correction {gamma: 2.2}",
		"Otsu Threshold",
		"Unsharp Mask {sigma: 1, strength: 0.5}",
	}
	if diff := cmp.Diff(want, stepNames(b.Serialize())); diff != "" {
		t.Errorf("Serialize() mismatch (-want +got):\n%s", diff)
	}
}

func TestBuilder_RemoveAt(t *testing.T) {
	tests := []struct {
		name    string
		index   int
		want    []string
		wantErr bool
	}{
		{name: "first", index: 0, want: []string{"Median Blur", "CLAHE {clipLimit: 2}"}},
		{name: "middle", index: 1, want: []string{"Gaussian Blur", "CLAHE {clipLimit: 2}"}},
		{name: "last", index: 2, want: []string{"Gaussian Blur", "Median Blur"}},
		{name: "negative", index: -1, wantErr: true},
		{name: "past end", index: 3, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder()
			mustAppend(t, b, catalog.GaussianBlur, nil)
			mustAppend(t, b, catalog.MedianBlur, nil)
			mustAppend(t, b, catalog.CLAHE, map[string]float64{"clipLimit": 2})
			before := b.Serialize()

			err := b.RemoveAt(tt.index)
			if tt.wantErr {
				oob, ok := err.(*IndexOutOfRangeError)
				if !ok {
					t.Fatalf("RemoveAt(%d) error = %v, want *IndexOutOfRangeError", tt.index, err)
				}
				if oob.Len != 3 {
					t.Errorf("Len = %d, want 3", oob.Len)
				}
				if diff := cmp.Diff(stepNames(before), stepNames(b.Serialize())); diff != "" {
					t.Errorf("builder changed on error (-before +after):\n%s", diff)
				}
				return
			}
			if err != nil {
				t.Fatalf("RemoveAt(%d) error = %v", tt.index, err)
			}
			if diff := cmp.Diff(tt.want, stepNames(b.Serialize())); diff != "" {
				t.Errorf("steps mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuilder_RemoveFromEmpty(t *testing.T) {
	b := NewBuilder()
	if err := b.RemoveAt(0); err == nil {
		t.Fatal("expected error removing from an empty builder")
	}
}

func TestBuilder_AppendRejectsBadParams(t *testing.T) {
	tests := []struct {
		name   string
		filter catalog.Kind
		params map[string]float64
	}{
		{name: "missing required", filter: catalog.GammaCorrection, params: nil},
		{name: "unexpected key", filter: catalog.GaussianBlur, params: map[string]float64{"sigma": 1}},
		{name: "partial", filter: catalog.UnsharpMask, params: map[string]float64{"sigma": 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder()
			err := b.Append(tt.filter, tt.params)
			if !catalog.IsInvalidParameters(err) {
				t.Fatalf("Append() error = %v, want InvalidParametersError", err)
			}
			if b.Len() != 0 {
				t.Errorf("Len() = %d after rejected append", b.Len())
			}
		})
	}
}

func TestBuilder_AppendUnknownKind(t *testing.T) {
	b := NewBuilder()
	if err := b.Append(catalog.Kind(99), nil); !catalog.IsUnknownFilter(err) {
		t.Fatalf("Append() error = %v, want UnknownFilterError", err)
	}
	if err := b.AppendNamed("Sepia", nil); !catalog.IsUnknownFilter(err) {
		t.Fatalf("AppendNamed() error = %v, want UnknownFilterError", err)
	}
}

func TestBuilder_StepsAreImmutable(t *testing.T) {
	params := map[string]float64{"gamma": 1.2}
	b := NewBuilder()
	mustAppend(t, b, catalog.GammaCorrection, params)

	params["gamma"] = 9
	steps := b.Serialize()
	steps[0].Params()["gamma"] = 7

	if v, _ := b.Serialize()[0].Param("gamma"); v != 1.2 {
		t.Errorf("gamma = %v, want 1.2", v)
	}
}

// Serializing and rebuilding from the result yields an equal builder.
func TestBuilder_SerializeRoundTrip(t *testing.T) {
	b := NewBuilder()
	mustAppend(t, b, catalog.AdaptiveThreshold, map[string]float64{"blockSize": 15, "C": 3})
	mustAppend(t, b, catalog.None, nil)
	mustAppend(t, b, catalog.NonLocalMeans, map[string]float64{"hStrength": 7})

	rebuilt := NewBuilder()
	for _, step := range b.Serialize() {
		mustAppend(t, rebuilt, step.Filter(), step.Params())
	}

	if !b.Equal(rebuilt) {
		t.Errorf("rebuilt builder differs:\n got %v\nwant %v", stepNames(rebuilt.Serialize()), stepNames(b.Serialize()))
	}

	rebuilt.Clear()
	if rebuilt.Len() != 0 || b.Equal(rebuilt) {
		t.Error("Clear() should empty the builder")
	}
}

// Random appends, removals and clears must leave the builder matching a plain slice
// that had the same edits applied.
func TestBuilder_RandomEditsMatchSlice(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	kinds := []catalog.Kind{catalog.GaussianBlur, catalog.MedianBlur, catalog.OtsuThreshold, catalog.GammaCorrection}

	b := NewBuilder()
	var want []FilterStep
	for i := 0; i < 2000; i++ {
		switch op := rng.Intn(10); {
		case op < 5:
			k := kinds[rng.Intn(len(kinds))]
			var params map[string]float64
			if k == catalog.GammaCorrection {
				// Distinct values keep every step distinguishable.
				params = map[string]float64{"gamma": float64(i%50)/10 + 0.1}
			}
			if err := b.Append(k, params); err != nil {
				t.Fatalf("op %d: Append(%v) error = %v", i, k, err)
			}
			want = append(want, NewStep(k, params))
		case op < 9:
			index := rng.Intn(len(want)+2) - 1
			err := b.RemoveAt(index)
			if index < 0 || index >= len(want) {
				if _, ok := err.(*IndexOutOfRangeError); !ok {
					t.Fatalf("op %d: RemoveAt(%d) with %d steps = %v, want *IndexOutOfRangeError", i, index, len(want), err)
				}
				break
			}
			if err != nil {
				t.Fatalf("op %d: RemoveAt(%d) error = %v", i, index, err)
			}
			want = append(want[:index:index], want[index+1:]...)
		default:
			b.Clear()
			want = nil
		}

		if b.Len() != len(want) {
			t.Fatalf("op %d: Len() = %d, want %d", i, b.Len(), len(want))
		}
		if diff := cmp.Diff(want, b.Serialize(), cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("op %d: steps mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func mustAppend(t *testing.T, b *Builder, k catalog.Kind, params map[string]float64) {
	t.Helper()
	if err := b.Append(k, params); err != nil {
		t.Fatalf("Append(%v) error = %v", k, err)
	}
}
