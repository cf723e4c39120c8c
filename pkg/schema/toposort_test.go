package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func table(name, createSQL string) *TableInfo {
	return &TableInfo{Name: name, CreateSQL: createSQL}
}

func names(tables []*TableInfo) []string {
	out := make([]string, len(tables))
	for i, t := range tables {
		out[i] = t.Name
	}
	return out
}

func TestSortByDependenciesOrdersParentBeforeChild(t *testing.T) {
	users := table("users", `CREATE TABLE "users" ("id" INTEGER PRIMARY KEY)`)
	orders := table("orders", `CREATE TABLE "orders" ("id" INTEGER PRIMARY KEY, "user_id" INTEGER, FOREIGN KEY ("user_id") REFERENCES "users"("id"))`)

	sorted := SortByDependencies([]*TableInfo{orders, users})
	assert.Equal(t, []string{"users", "orders"}, names(sorted))
}

func TestSortByDependenciesBreaksTiesAlphabetically(t *testing.T) {
	a := table("alpha", `CREATE TABLE "alpha" ("id" INTEGER)`)
	b := table("beta", `CREATE TABLE "beta" ("id" INTEGER)`)
	c := table("gamma", `CREATE TABLE "gamma" ("id" INTEGER)`)

	sorted := SortByDependencies([]*TableInfo{c, a, b})
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, names(sorted))
}

func TestSortByDependenciesIgnoresSelfReference(t *testing.T) {
	nodes := table("nodes", `CREATE TABLE "nodes" ("id" INTEGER PRIMARY KEY, "parent_id" INTEGER, FOREIGN KEY ("parent_id") REFERENCES "nodes"("id"))`)
	sorted := SortByDependencies([]*TableInfo{nodes})
	assert.Equal(t, []string{"nodes"}, names(sorted))
}

func TestSortByDependenciesIgnoresReferencesOutsideSet(t *testing.T) {
	orders := table("orders", `CREATE TABLE "orders" ("id" INTEGER PRIMARY KEY, "user_id" INTEGER, FOREIGN KEY ("user_id") REFERENCES "users"("id"))`)
	sorted := SortByDependencies([]*TableInfo{orders})
	assert.Equal(t, []string{"orders"}, names(sorted))
}

func TestSortByDependenciesAppendsCyclesAlphabetically(t *testing.T) {
	a := table("a_tbl", `CREATE TABLE "a_tbl" ("id" INTEGER, "b_id" INTEGER, FOREIGN KEY ("b_id") REFERENCES "b_tbl"("id"))`)
	b := table("b_tbl", `CREATE TABLE "b_tbl" ("id" INTEGER, "a_id" INTEGER, FOREIGN KEY ("a_id") REFERENCES "a_tbl"("id"))`)
	independent := table("z_tbl", `CREATE TABLE "z_tbl" ("id" INTEGER)`)

	sorted := SortByDependencies([]*TableInfo{a, b, independent})
	// independent has no deps and sorts first; the cyclic pair is appended
	// alphabetically afterward.
	assert.Equal(t, []string{"z_tbl", "a_tbl", "b_tbl"}, names(sorted))
}

func TestSortByDependenciesMultiLevelChain(t *testing.T) {
	grandparent := table("grandparent", `CREATE TABLE "grandparent" ("id" INTEGER PRIMARY KEY)`)
	parent := table("parent", `CREATE TABLE "parent" ("id" INTEGER PRIMARY KEY, "gp_id" INTEGER, FOREIGN KEY ("gp_id") REFERENCES "grandparent"("id"))`)
	child := table("child", `CREATE TABLE "child" ("id" INTEGER PRIMARY KEY, "p_id" INTEGER, FOREIGN KEY ("p_id") REFERENCES "parent"("id"))`)

	sorted := SortByDependencies([]*TableInfo{child, grandparent, parent})
	assert.Equal(t, []string{"grandparent", "parent", "child"}, names(sorted))
}
