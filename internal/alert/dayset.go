package alert

import "sync"

// DaySet remembers which slots were already alerted on the current day.
type DaySet struct {
	mu   sync.Mutex
	date string
	keys map[Key]struct{}
}

func NewDaySet() *DaySet {
	return &DaySet{keys: make(map[Key]struct{})}
}

// Roll switches to date, dropping every mark when the day changed. It
// reports whether a rollover happened.
func (d *DaySet) Roll(date string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.date == date {
		return false
	}
	rolled := d.date != ""
	d.date = date
	d.keys = make(map[Key]struct{})
	return rolled
}

func (d *DaySet) Mark(k Key) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if k.Date != d.date {
		return
	}
	d.keys[k] = struct{}{}
}

func (d *DaySet) Has(k Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.keys[k]
	return ok
}

func (d *DaySet) Clear(k Key) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, k)
}

func (d *DaySet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.keys)
}
