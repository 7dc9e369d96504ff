// Package conctree provides lock-free, linearizable dictionaries built
// on a shared LLX/SCX multi-word compare-and-swap primitive: an
// unbalanced binary search tree (NewBST), an (a,b)-tree (NewABTree),
// and a B-slack tree (NewBSlack). All three share one update
// discipline (llxscx.Engine, epoch-based reclamation, and a three-path
// fast/middle/fallback driver) and differ only in node shape.
package conctree
