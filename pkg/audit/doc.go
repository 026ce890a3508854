// Package audit records who did what to which resource. Every mutating
// control-plane path logs an entry for each outcome branch, success and
// failure alike.
package audit
