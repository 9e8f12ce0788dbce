package cmdtree

import (
	"bytes"
	"slices"
	"strings"
	"testing"
)

type fakeSource map[string][]string

func (f fakeSource) Values(kind string) []string { return f[kind] }

func TestComplete(t *testing.T) {
	src := fakeSource{
		DynInterfaces: {"fm1-mac1", "fm1-mac2", "fm2-mac1"},
		DynDevices:    {"fm1-mac1", "dpaa-sec0"},
	}
	tests := []struct {
		name    string
		words   []string
		partial string
		want    []string
	}{
		{"top level", nil, "", []string{"exit", "help", "monitor", "quit", "show"}},
		{"prefix", nil, "sh", []string{"show"}},
		{"show children", []string{"show"}, "de", []string{"devices"}},
		{"device types", []string{"show", "devices"}, "", []string{"crypto", "network"}},
		{"interface names", []string{"show", "interfaces"}, "fm1", []string{"fm1-mac1", "fm1-mac2"}},
		{"after a dynamic value", []string{"show", "interfaces", "fm1-mac1"}, "", nil},
		{"event device", []string{"monitor", "events", "device"}, "dp", []string{"dpaa-sec0"}},
		{"free-form value", []string{"show", "events", "kind"}, "", nil},
		{"unknown word", []string{"bogus"}, "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Names(Complete(Tree, tt.words, tt.partial, src))
			if !slices.Equal(got, tt.want) {
				t.Errorf("Complete(%v, %q) = %v, want %v", tt.words, tt.partial, got, tt.want)
			}
		})
	}
}

func TestCompleteWithoutSource(t *testing.T) {
	if got := Complete(Tree, []string{"show", "interfaces"}, "", nil); len(got) != 0 {
		t.Errorf("got %v without a source", got)
	}
}

func TestWriteHelp(t *testing.T) {
	var buf bytes.Buffer
	WriteHelp(&buf, Complete(Tree, []string{"show"}, "", nil))
	out := buf.String()
	if !strings.HasPrefix(out, "Possible completions:\n") {
		t.Errorf("header missing:\n%s", out)
	}
	if !strings.Contains(out, "  netcfg               Show the network configuration\n") {
		t.Errorf("netcfg line missing:\n%s", out)
	}
}

func TestCommonPrefix(t *testing.T) {
	tests := []struct {
		items []string
		want  string
	}{
		{nil, ""},
		{[]string{"fm1-mac1"}, "fm1-mac1"},
		{[]string{"fm1-mac1", "fm1-mac2"}, "fm1-mac"},
		{[]string{"fm1-mac1", "dpaa-sec0"}, ""},
	}
	for _, tt := range tests {
		if got := CommonPrefix(tt.items); got != tt.want {
			t.Errorf("CommonPrefix(%v) = %q, want %q", tt.items, got, tt.want)
		}
	}
}
