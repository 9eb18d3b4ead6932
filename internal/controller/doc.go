// Package controller implements the power controller: a per-feed
// hysteresis state machine that turns access points down when nobody is
// associated with them.
//
// Every tick the controller reads the feed registry, derives each feed's
// state from its client count and the override set, then drives the
// device towards that state:
//
//	Online   switch restored, duty cycle 100%
//	Idle     switch restored, duty cycle lowered
//	Offline  switch cut, duty cycle 0%
//
// A feed leaves Online only after more than OnlineTimeout consecutive
// ticks without clients, and Idle only after more than IdleTimeout more.
// Any tick with clients, or membership in the override set, brings it
// straight back to Online.
package controller
