// Package sysinfo detects platform facts and checks them against requirements.
//
// Every fact is computed at most once per Detector; the Detector is owned by
// the session so nothing is cached process-wide. Requirement tokens have the
// form fact:expectation, where the expectation is either a list of accepted
// values separated by | or a version constraint such as >=22.04.
package sysinfo
