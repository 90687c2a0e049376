package poll

import (
	"sync"
	"testing"
	"time"

	"github.com/vpbank/tag_engine/models"
)

func sample(connID, tagID, path string, value any) models.TagValue {
	return models.TagValue{
		ConnectionID: connID,
		TagID:        tagID,
		TagPath:      path,
		Value:        value,
		Quality:      models.QualityGood,
		Timestamp:    time.Now().UTC(),
	}
}

func TestCachePutGet(t *testing.T) {
	c := NewCache()
	c.Put(sample("c1", "t1", "Sim/T", 1.5))

	if v, ok := c.Get("Sim/T"); !ok || v.Value != 1.5 {
		t.Errorf("Get(Sim/T) = (%v,%v), want (1.5,true)", v.Value, ok)
	}
	if v, ok := c.GetByID("c1", "t1"); !ok || v.Value != 1.5 {
		t.Errorf("GetByID(c1,t1) = (%v,%v), want (1.5,true)", v.Value, ok)
	}
	if _, ok := c.Get("Sim/Other"); ok {
		t.Error("Get returned a value for an unknown path")
	}

	// Latest write wins.
	c.Put(sample("c1", "t1", "Sim/T", 2.5))
	if v, _ := c.Get("Sim/T"); v.Value != 2.5 {
		t.Errorf("Get after second Put = %v, want 2.5", v.Value)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestCacheSnapshotIsCopy(t *testing.T) {
	c := NewCache()
	c.Put(sample("c1", "t1", "Sim/A", 1))
	c.Put(sample("c1", "t2", "Sim/B", 2))

	snap := c.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot size = %d, want 2", len(snap))
	}
	delete(snap, "Sim/A")
	if _, ok := c.Get("Sim/A"); !ok {
		t.Error("mutating the snapshot affected the cache")
	}
}

func TestCacheDropConnection(t *testing.T) {
	c := NewCache()
	c.PutAll([]models.TagValue{
		sample("c1", "t1", "One/A", 1),
		sample("c1", "t2", "One/B", 2),
		sample("c2", "t1", "Two/A", 3),
	})

	c.DropConnection("c1")
	if _, ok := c.Get("One/A"); ok {
		t.Error("dropped connection still readable by path")
	}
	if _, ok := c.GetByID("c1", "t2"); ok {
		t.Error("dropped connection still readable by id")
	}
	if v, ok := c.Get("Two/A"); !ok || v.Value != 3 {
		t.Error("unrelated connection was dropped")
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestCacheConcurrentReadersAndWriters(t *testing.T) {
	c := NewCache()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				c.Put(sample("c1", "t1", "Sim/T", float64(w*1000+i)))
			}
		}()
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				c.Get("Sim/T")
				c.Snapshot()
			}
		}()
	}
	wg.Wait()
}
