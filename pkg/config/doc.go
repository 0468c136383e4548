// Package config turns flags, environment and the optional settings file
// into validated Settings, and derives everything else towerconf needs
// from them.
//
// # Sources
//
// Precedence, highest first:
//
//  1. command line flags (bound into viper)
//  2. TOWER_ACCESS_TOKEN, TOWER_WORKSPACE_ID and TOWERCONF_* variables
//  3. ~/.towerconf.yaml, or the file given with --settings
//  4. Defaults()
//
// # Validation
//
// Settings.Validate runs two passes. Struct tags (go-playground/validator)
// catch missing and out of range values and name the flag to fix. The CUE
// #Settings schema then checks the platform against the recognized list,
// the server host pattern and the per-command requirements:
//
//	s, err := config.Load(v, config.CommandSetup, config.MethodSSH)
//	if err != nil {
//	    return err
//	}
//	if err := s.Validate(); err != nil {
//	    return err
//	}
//
// # Derived values
//
// Names derives the compute, credential and agent connection names from the
// node address ("login1.hpc.example.org" gives "loginauto"), the pipeline
// suffix, the key tag and the API endpoint. Intent, TowerConfig and
// SetupRequest build the engine and client inputs.
//
// # Detection
//
// Detector guesses the platform from scheduler install directories and the
// node from the machine's external address. Both guesses may come back
// empty; the flag is then required.
package config
