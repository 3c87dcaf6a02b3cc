package sportsref

import (
	"strconv"
	"strings"
)

// SchoolsPath is the site-relative path of the school listing.
const SchoolsPath = "/cbb/schools/"

// RosterPath returns the roster page of schoolLink for the season ending in
// season: "/cbb/schools/duke/men/", 2024 -> "/cbb/schools/duke/men/2024.html".
func RosterPath(schoolLink string, season int) string {
	return schoolLink + strconv.Itoa(season) + ".html"
}

// GameLogPath returns the game log page for playerLink:
// "/cbb/players/a-1.html" -> "/cbb/players/a-1/gamelog".
func GameLogPath(playerLink string) string {
	return strings.TrimSuffix(playerLink, ".html") + "/gamelog"
}
