// Package admission decides whether the device may run training right now.
//
// Evaluate is a pure function of a Policy and a Conditions reading. The
// Controller pairs it with a Monitor (sysfs on Linux, static in tests) and the
// live policy from configuration. Blocked decisions carry a human-readable
// reason for the status line and a Rule code for metrics. PowerEvents turns
// udev power_supply events into nudges so waiting sessions react to a charger
// being plugged in without waiting out their backoff.
package admission
