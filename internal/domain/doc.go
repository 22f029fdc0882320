// Package domain models the storm event and county overdose mortality data
// joined by the lag study, and the rules applied to them.
//
// # Data Sources
//
// Storm events come from the NOAA NCEI Storm Events Database "details" files
// (StormEvents_details-ftp_v1.0_dYYYY_cYYYYMMDD.csv.gz), one row per event.
// Mortality comes from CDC WONDER monthly drug overdose deaths by county,
// either as the raw tab-delimited export or as a processed CSV with
// COUNTY_FIPS, Date and Deaths columns.
//
// # Join Keys
//
// County identifiers are FIPS codes normalized to five zero-padded digits:
//
//	"1073"   → "01073"
//	"1073.0" → "01073"   (pandas-exported floats)
//	"01073"  → "01073"
//
// Anything that does not reduce to an integer in [0, 99999] is unjoinable. The
// record is kept but never matches a mortality row.
//
// Months are UTC midnight on the first day of the calendar month. A storm at
// 2017-10-05 14:30 belongs to month 2017-10-01; its baseline months are
// 2017-07-01, 2017-08-01 and 2017-09-01.
//
// # Suppressed Counts
//
// CDC WONDER replaces county-month counts below 10 with "Suppressed". These
// become a [Count] with Valid=false. They are never coerced to zero, because a
// zero would drag baselines down and inflate the apparent post-storm increase.
//
// # Known Caveats
//
// Baseline months that are missing are excluded from the average, while lag
// months that are missing contribute zero deaths. This asymmetry biases
// results toward a post-storm increase. It is kept for compatibility with
// published numbers and surfaced in the report.
//
// A zero baseline followed by a non-zero lag count has no defined ratio. The
// percent change is reported as [DefaultNoBaselinePctChange] (100.0).
package domain
