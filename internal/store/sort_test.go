package store

import (
	"reflect"
	"testing"

	"subman/internal/model"
)

func TestSortIndexes_ByTCP(t *testing.T) {
	t.Parallel()

	nodes := []model.Node{
		{Name: "slow", TCP: model.Latency{Status: model.StatusOK, Millis: 300}},
		{Name: "untested"},
		{Name: "fast", TCP: model.Latency{Status: model.StatusOK, Millis: 20}},
		{Name: "dead", TCP: model.Latency{Status: model.StatusConnectFailed}},
	}

	got := SortIndexes(nodes, "tcp", false)
	want := []int{2, 0, 3, 1} // fast, slow, failed, untested
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("order=%v want %v", got, want)
	}

	desc := SortIndexes(nodes, "tcp", true)
	if desc[0] != 1 || desc[len(desc)-1] != 2 {
		t.Fatalf("desc order=%v", desc)
	}
}

func TestSortIndexes_ByName(t *testing.T) {
	t.Parallel()

	nodes := []model.Node{{Name: "charlie"}, {Name: "alpha"}, {Name: "bravo"}}
	got := SortIndexes(nodes, "name", false)
	if !reflect.DeepEqual(got, []int{1, 2, 0}) {
		t.Fatalf("order=%v", got)
	}
}

func TestSortIndexes_FeedOrder(t *testing.T) {
	t.Parallel()

	nodes := []model.Node{{Name: "b"}, {Name: "a"}}
	if got := SortIndexes(nodes, "", false); !reflect.DeepEqual(got, []int{0, 1}) {
		t.Fatalf("order=%v", got)
	}
}

func TestSortIndexes_StableForTies(t *testing.T) {
	t.Parallel()

	nodes := []model.Node{
		{Name: "x", TCP: model.Latency{Status: model.StatusOK, Millis: 10}},
		{Name: "y", TCP: model.Latency{Status: model.StatusOK, Millis: 10}},
	}
	if got := SortIndexes(nodes, "tcp", false); !reflect.DeepEqual(got, []int{0, 1}) {
		t.Fatalf("ties not stable: %v", got)
	}
}
