package checks_test

import (
	"math"
	"testing"

	"classattend/internal/checks"
	"classattend/internal/model"
)

func TestDistanceSymmetric(t *testing.T) {
	t.Parallel()

	pairs := map[string][2]model.Coordinates{
		"bangalore_nearby": {{Latitude: 12.9716, Longitude: 77.5946}, {Latitude: 12.9816, Longitude: 77.6046}},
		"across_equator":   {{Latitude: -33.8688, Longitude: 151.2093}, {Latitude: 51.5072, Longitude: -0.1276}},
		"antimeridian":     {{Latitude: 64.8378, Longitude: -147.7164}, {Latitude: 60.0, Longitude: 179.9}},
		"poles":            {{Latitude: 90, Longitude: 0}, {Latitude: -90, Longitude: 0}},
	}

	for name, p := range pairs {
		t.Run(name, func(t *testing.T) {
			ab := checks.Distance(p[0], p[1])
			ba := checks.Distance(p[1], p[0])
			if ab != ba {
				t.Fatalf("Distance not symmetric: %v vs %v", ab, ba)
			}
			if aa := checks.Distance(p[0], p[0]); aa != 0 {
				t.Fatalf("Distance(a, a) = %v, want 0", aa)
			}
		})
	}
}

func TestDistanceAntipodalIsFinite(t *testing.T) {
	d := checks.Distance(model.Coordinates{Latitude: 0, Longitude: 0}, model.Coordinates{Latitude: 0, Longitude: 180})
	if math.IsNaN(d) || math.IsInf(d, 0) {
		t.Fatalf("antipodal distance = %v", d)
	}
	want := math.Pi * checks.EarthRadiusKm * 1000
	if math.Abs(d-want) > 1 {
		t.Fatalf("antipodal distance = %v, want ~%v", d, want)
	}
}

func TestGeo(t *testing.T) {
	t.Parallel()

	anchor := model.Coordinates{Latitude: 12.9716, Longitude: 77.5946}

	type tcase struct {
		claimed   model.Coordinates
		wantValid bool
		minMeters float64
		maxMeters float64
	}

	tcases := map[string]tcase{
		"same_point": {
			claimed:   anchor,
			wantValid: true,
			maxMeters: 0,
		},
		"about_1.5km_away": {
			claimed:   model.Coordinates{Latitude: 12.9816, Longitude: 77.6046},
			wantValid: false,
			minMeters: 1000,
			maxMeters: 2000,
		},
		"inside_radius": { // ~55m north
			claimed:   model.Coordinates{Latitude: 12.9721, Longitude: 77.5946},
			wantValid: true,
			minMeters: 50,
			maxMeters: 60,
		},
		"just_outside_radius": { // ~111m north
			claimed:   model.Coordinates{Latitude: 12.9726, Longitude: 77.5946},
			wantValid: false,
			minMeters: 100,
			maxMeters: 120,
		},
	}

	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			got := checks.Geo(anchor, tc.claimed, checks.DefaultRadiusMeters)
			if got.Valid != tc.wantValid {
				t.Errorf("Geo valid = %v, want %v (distance %.1fm)", got.Valid, tc.wantValid, got.DistanceMeters)
			}
			if got.DistanceMeters < tc.minMeters || got.DistanceMeters > tc.maxMeters {
				t.Errorf("Geo distance = %.2fm, want within [%v, %v]", got.DistanceMeters, tc.minMeters, tc.maxMeters)
			}
		})
	}
}

func TestNetwork(t *testing.T) {
	t.Parallel()

	tcases := map[string]struct {
		expected, claimed string
		want              bool
	}{
		"no_expected_empty_claim": {"", "", true},
		"no_expected_any_claim":   {"", "Guest", true},
		"exact_match":             {"CollegeWiFi", "CollegeWiFi", true},
		"case_differs":            {"CollegeWiFi", "collegewifi", false},
		"missing_claim":           {"CollegeWiFi", "", false},
	}

	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			if got := checks.Network(tc.expected, tc.claimed); got != tc.want {
				t.Errorf("Network(%q, %q) = %v, want %v", tc.expected, tc.claimed, got, tc.want)
			}
		})
	}
}
