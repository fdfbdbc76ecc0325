package lock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResourceNameChild(t *testing.T) {
	db := NewResourceName("database")
	table := db.Child("orders")
	page := table.Child("page3")

	assert.Equal(t, "database", db.String())
	assert.Equal(t, "database/orders", table.String())
	assert.Equal(t, "database/orders/page3", page.String())
	assert.Equal(t, []string{"database", "orders", "page3"}, page.Segments())
}

func TestResourceNameIsDescendantOf(t *testing.T) {
	db := NewResourceName("database")
	table := db.Child("orders")
	page := table.Child("page3")
	other := db.Child("users")

	assert.True(t, table.IsDescendantOf(db))
	assert.True(t, page.IsDescendantOf(db))
	assert.True(t, page.IsDescendantOf(table))
	assert.False(t, db.IsDescendantOf(db))
	assert.False(t, db.IsDescendantOf(table))
	assert.False(t, other.IsDescendantOf(table))
	assert.False(t, page.IsDescendantOf(other))
}

func TestResourceNameComparable(t *testing.T) {
	a := NewResourceName("database").Child("orders")
	b := NewResourceName("database").Child("orders")
	assert.Equal(t, a, b)

	m := map[ResourceName]int{a: 1}
	assert.Equal(t, 1, m[b])
}
